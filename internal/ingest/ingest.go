// Package ingest turns tool records into asset rows. Records are
// collected off the stream into fixed-size batches and each batch is
// committed in its own savepointed unit of work, so one bad batch costs
// only its own records and no transaction is ever held open while the
// producing tool is still emitting lines.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"reconduit/internal/metrics"
	"reconduit/internal/scope"
	"reconduit/internal/store"
	"reconduit/internal/tools"
)

// DefaultBatchSize is the number of records per savepoint.
const DefaultBatchSize = 50

// Ingestor persists parsed records for a program.
type Ingestor struct {
	store     *store.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	batchSize int
}

// Config assembles an Ingestor. Metrics may be nil.
type Config struct {
	Store     *store.Store
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	BatchSize int
}

// New builds an Ingestor.
func New(cfg Config) *Ingestor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Ingestor{
		store:     cfg.Store,
		log:       cfg.Logger.Named("ingest"),
		metrics:   cfg.Metrics,
		batchSize: cfg.BatchSize,
	}
}

// Result reports what one ingestion run changed. Only newly created
// assets appear; re-sightings of known assets are counted in Total but
// produce nothing here.
type Result struct {
	Total         int
	Batches       int
	FailedBatches int
	// Discarded counts records rolled back with failed batches.
	Discarded int

	// Created counts new rows by entity name.
	Created map[string]int

	// NewHostnames lists newly created in-scope hostnames, the feed for
	// downstream enumeration.
	NewHostnames []string

	// NewAddresses lists newly created in-scope addresses.
	NewAddresses []string

	// NewServiceURLs lists base URLs of newly observed web services,
	// the feed for content discovery.
	NewServiceURLs []string

	// NewPorts lists newly observed open ports as host:port, the feed
	// for HTTP probing.
	NewPorts []string

	// CIDRs lists announced ranges seen in ASN lookups, candidate
	// inputs for address-space expansion.
	CIDRs []string
}

func (r *Result) created(entity string) {
	if r.Created == nil {
		r.Created = map[string]int{}
	}
	r.Created[entity]++
}

// CreatedTotal sums new rows across entities.
func (r *Result) CreatedTotal() int {
	n := 0
	for _, c := range r.Created {
		n += c
	}
	return n
}

// Ingest consumes records for the program until the channel closes,
// committing them batch by batch. Each batch is collected in memory
// first and written in its own unit of work, so the store is never
// touched while this function is waiting on the stream. A batch whose
// write fails is rolled back to its savepoint and dropped; later
// batches still land. On cancellation the in-flight batch is discarded
// and the partial result is returned alongside the context error;
// batches committed before that point stay durable.
func (ing *Ingestor) Ingest(ctx context.Context, program *store.Program, snapshot *scope.Snapshot, scorer *scope.Scorer, records <-chan tools.Record) (*Result, error) {
	if scorer == nil {
		scorer = scope.NewScorer(scope.DefaultThreshold)
	}
	result := &Result{}

	sess := &session{
		ing:      ing,
		program:  program,
		snapshot: snapshot,
		scorer:   scorer,
		result:   result,
	}

	batch := make([]tools.Record, 0, ing.batchSize)
	batchIndex := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		name := fmt.Sprintf("batch_%d", batchIndex)

		// Snapshot so a failed batch can surrender exactly its own
		// contribution to the result.
		checkpoint := *result
		checkpoint.Created = copyCounts(result.Created)

		err := ing.store.WithUnit(ctx, func(u *store.UnitOfWork) error {
			if err := u.Save(ctx, name); err != nil {
				return err
			}

			var batchErr error
			for _, record := range batch {
				if batchErr = sess.process(ctx, u, record); batchErr != nil {
					break
				}
			}

			if batchErr != nil {
				if err := u.RollbackTo(ctx, name); err != nil {
					return err
				}
				*result = checkpoint
				result.FailedBatches++
				result.Discarded += len(batch)
				if ing.metrics != nil {
					ing.metrics.Batches.WithLabelValues("failed").Inc()
				}
				ing.log.Warn("batch rolled back",
					zap.String("program", program.Name),
					zap.Int("batch", batchIndex),
					zap.Int("records", len(batch)),
					zap.Error(batchErr))
			} else if ing.metrics != nil {
				ing.metrics.Batches.WithLabelValues("ok").Inc()
			}
			return u.Release(ctx, name)
		})
		if err != nil {
			*result = checkpoint
			return err
		}
		result.Batches++
		batchIndex++
		batch = batch[:0]
		return nil
	}

receive:
	for {
		select {
		case <-ctx.Done():
			// Committed batches stand; only the collected tail is lost.
			result.Discarded += len(batch)
			ing.log.Warn("ingestion interrupted",
				zap.String("program", program.Name),
				zap.Int("total", result.Total),
				zap.Int("batches", result.Batches),
				zap.Int("discarded", result.Discarded),
				zap.Error(ctx.Err()))
			ing.recordCreated(result)
			return result, ctx.Err()
		case record, ok := <-records:
			if !ok {
				break receive
			}
			result.Total++
			batch = append(batch, record)
			if len(batch) >= ing.batchSize {
				if err := flush(); err != nil {
					return result, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	ing.recordCreated(result)
	ing.log.Info("ingestion committed",
		zap.String("program", program.Name),
		zap.Int("total", result.Total),
		zap.Int("batches", result.Batches),
		zap.Int("failed_batches", result.FailedBatches),
		zap.Int("created", result.CreatedTotal()))
	return result, nil
}

func (ing *Ingestor) recordCreated(result *Result) {
	if ing.metrics == nil {
		return
	}
	for entity, n := range result.Created {
		ing.metrics.RowsCreated.WithLabelValues(entity).Add(float64(n))
	}
}

// IngestSlice adapts Ingest for callers holding records in memory.
func (ing *Ingestor) IngestSlice(ctx context.Context, program *store.Program, snapshot *scope.Snapshot, scorer *scope.Scorer, records []tools.Record) (*Result, error) {
	ch := make(chan tools.Record)
	go func() {
		defer close(ch)
		for _, record := range records {
			select {
			case ch <- record:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ing.Ingest(ctx, program, snapshot, scorer, ch)
}

func copyCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

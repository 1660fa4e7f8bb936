package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"reconduit/internal/normalize"
)

// Repos exposes one repository per entity over a shared querier. A Repos
// obtained from Store runs each call in autocommit mode; one obtained
// from a UnitOfWork runs inside that transaction.
type Repos struct {
	q querier
}

func (r *Repos) Programs() *ProgramRepo {
	return &ProgramRepo{repo[Program]{q: r.q, m: programMapper}}
}

func (r *Repos) ScopeRules() *ScopeRuleRepo {
	return &ScopeRuleRepo{repo[ScopeRule]{q: r.q, m: scopeRuleMapper}}
}

func (r *Repos) RootInputs() *RootInputRepo {
	return &RootInputRepo{repo[RootInput]{q: r.q, m: rootInputMapper}}
}

func (r *Repos) Hosts() *HostRepo {
	return &HostRepo{repo[Host]{q: r.q, m: hostMapper}}
}

func (r *Repos) IPAddresses() *IPAddressRepo {
	return &IPAddressRepo{repo[IPAddress]{q: r.q, m: ipAddressMapper}}
}

func (r *Repos) HostIPs() *HostIPRepo {
	return &HostIPRepo{repo[HostIP]{q: r.q, m: hostIPMapper}}
}

func (r *Repos) Services() *ServiceRepo {
	return &ServiceRepo{repo[Service]{q: r.q, m: serviceMapper}}
}

func (r *Repos) Endpoints() *EndpointRepo {
	return &EndpointRepo{repo[Endpoint]{q: r.q, m: endpointMapper}}
}

func (r *Repos) InputParameters() *InputParameterRepo {
	return &InputParameterRepo{repo[InputParameter]{q: r.q, m: inputParameterMapper}}
}

func (r *Repos) Headers() *HeaderRepo {
	return &HeaderRepo{repo[Header]{q: r.q, m: headerMapper}}
}

func (r *Repos) RawBodies() *RawBodyRepo {
	return &RawBodyRepo{repo[RawBody]{q: r.q, m: rawBodyMapper}}
}

func (r *Repos) DNSRecords() *DNSRecordRepo {
	return &DNSRecordRepo{repo[DNSRecord]{q: r.q, m: dnsRecordMapper}}
}

func (r *Repos) ScannerTemplates() *ScannerTemplateRepo {
	return &ScannerTemplateRepo{repo[ScannerTemplate]{q: r.q, m: scannerTemplateMapper}}
}

func (r *Repos) ScannerExecutions() *ScannerExecutionRepo {
	return &ScannerExecutionRepo{repo[ScannerExecution]{q: r.q, m: scannerExecutionMapper}}
}

func (r *Repos) Payloads() *PayloadRepo {
	return &PayloadRepo{repo[Payload]{q: r.q, m: payloadMapper}}
}

func (r *Repos) Findings() *FindingRepo {
	return &FindingRepo{repo[Finding]{q: r.q, m: findingMapper}}
}

func (r *Repos) Leaks() *LeakRepo {
	return &LeakRepo{repo[Leak]{q: r.q, m: leakMapper}}
}

type ProgramRepo struct{ repo[Program] }

// GetByName resolves a program by its unique name.
func (r *ProgramRepo) GetByName(ctx context.Context, name string) (*Program, error) {
	return r.GetBy(ctx, Filters{"name": name})
}

type ScopeRuleRepo struct{ repo[ScopeRule] }

// ForProgram lists a program's rules in insertion order.
func (r *ScopeRuleRepo) ForProgram(ctx context.Context, programID string) ([]*ScopeRule, error) {
	return r.FindMany(ctx, Filters{"program_id": programID}, FindOpts{})
}

type RootInputRepo struct{ repo[RootInput] }

type HostRepo struct{ repo[Host] }

// GetOrCreateByName resolves a hostname within a program, creating the
// row on first sight.
func (r *HostRepo) GetOrCreateByName(ctx context.Context, programID, hostname string) (*Host, bool, error) {
	h := NewHost(programID, hostname)
	created, err := r.GetOrCreate(ctx, h, Filters{"program_id": programID, "hostname": hostname})
	return h, created, err
}

// SetCNAMEChain replaces the host's recorded CNAME chain.
func (r *HostRepo) SetCNAMEChain(ctx context.Context, hostID string, chain []string) error {
	return r.Update(ctx, hostID, map[string]any{"cname_chain": marshalList(chain)})
}

type IPAddressRepo struct{ repo[IPAddress] }

// GetOrCreateByAddress resolves an address within a program. The version
// column is derived from the address itself.
func (r *IPAddressRepo) GetOrCreateByAddress(ctx context.Context, programID, address string) (*IPAddress, bool, error) {
	version, ok := normalize.IPVersion(address)
	if !ok {
		return nil, false, fmt.Errorf("store: %q is not an IP address", address)
	}
	ip := &IPAddress{
		ID: newID(), ProgramID: programID, Address: address, Version: version,
		InScope: true, CreatedAt: nowUTC(),
	}
	created, err := r.GetOrCreate(ctx, ip, Filters{"program_id": programID, "address": address})
	return ip, created, err
}

type HostIPRepo struct{ repo[HostIP] }

// Link records that a host resolves to an address. Relinking the same
// pair is a no-op that keeps the original source.
func (r *HostIPRepo) Link(ctx context.Context, hostID, ipID, source string) (created bool, err error) {
	l := &HostIP{ID: newID(), HostID: hostID, IPID: ipID, Source: source, CreatedAt: nowUTC()}
	return r.GetOrCreate(ctx, l, Filters{"host_id": hostID, "ip_id": ipID})
}

type ServiceRepo struct{ repo[Service] }

// GetOrCreateWithTech resolves a service by (ip, port) and merges the
// given technology fingerprints into it. Incoming values override
// stored ones, except that a bare-presence sighting never erases known
// detail. The row is only written when the merge changed something.
// *svc always ends up holding the stored state.
func (r *ServiceRepo) GetOrCreateWithTech(ctx context.Context, svc *Service, tech map[string]any) (created bool, err error) {
	existing, err := r.GetBy(ctx, Filters{"ip_id": svc.IPID, "port": svc.Port})
	switch {
	case errors.Is(err, ErrNotFound):
		merged, _ := mergeTech(svc.Technologies, tech)
		svc.Technologies = merged
		if err := r.Create(ctx, svc); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	merged, changed := mergeTech(existing.Technologies, tech)
	if changed {
		if err := r.Update(ctx, existing.ID, map[string]any{
			"technologies": marshalMap(merged),
		}); err != nil {
			return false, err
		}
		existing.Technologies = merged
	}
	*svc = *existing
	return false, nil
}

func mergeTech(base, incoming map[string]any) (map[string]any, bool) {
	merged := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		merged[k] = v
	}
	changed := false
	for k, v := range incoming {
		old, seen := merged[k]
		if seen && (bareTech(v) || reflect.DeepEqual(v, old)) {
			continue
		}
		merged[k] = v
		changed = true
	}
	return merged, changed
}

// bareTech reports whether a technology value carries nothing beyond
// presence: booleans, empty strings and nil never replace known detail.
func bareTech(v any) bool {
	switch v := v.(type) {
	case nil, bool:
		return true
	case string:
		return v == ""
	default:
		return false
	}
}

type EndpointRepo struct{ repo[Endpoint] }

// UpsertWithMethod records an observation of (service, path, method).
// The conflict key is (service_id, normalized_path, method), so each
// observed method gets its own row and re-observations refresh the raw
// path and probe results without clobbering known values with unknowns.
// *e is reloaded with the stored row.
func (r *EndpointRepo) UpsertWithMethod(ctx context.Context, e *Endpoint) (created bool, err error) {
	if e.Method == "" {
		e.Method = "GET"
	}
	e.Method = strings.ToUpper(e.Method)
	if e.NormalizedPath == "" {
		e.NormalizedPath = normalize.Path(e.Path)
	}

	key := Filters{
		"service_id":      e.ServiceID,
		"normalized_path": e.NormalizedPath,
		"method":          e.Method,
	}
	_, lookupErr := r.GetBy(ctx, key)
	switch {
	case lookupErr == nil:
		created = false
	case errors.Is(lookupErr, ErrNotFound):
		created = true
	default:
		return false, lookupErr
	}

	cols := strings.Join(r.m.columns, ", ")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(r.m.columns)), ", ")
	query := `INSERT INTO endpoints (` + cols + `) VALUES (` + placeholders + `)
		ON CONFLICT(service_id, normalized_path, method) DO UPDATE SET
			path = excluded.path,
			host_id = COALESCE(excluded.host_id, host_id),
			status_code = COALESCE(excluded.status_code, status_code),
			content_type = COALESCE(excluded.content_type, content_type),
			updated_at = excluded.updated_at`
	if _, err := r.q.ExecContext(ctx, query, r.m.values(e)...); err != nil {
		return false, wrapWriteErr(err)
	}

	stored, err := r.GetBy(ctx, key)
	if err != nil {
		return false, err
	}
	*e = *stored
	return created, nil
}

// Methods returns the distinct methods observed for a service path,
// sorted, by unioning the sibling rows that share the normalized path.
func (r *EndpointRepo) Methods(ctx context.Context, serviceID, normalizedPath string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT DISTINCT method FROM endpoints
		 WHERE service_id = ? AND normalized_path = ? ORDER BY method`,
		serviceID, normalizedPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

type InputParameterRepo struct{ repo[InputParameter] }

// Observe records a parameter sighting, keeping the first example seen.
func (r *InputParameterRepo) Observe(ctx context.Context, p *InputParameter) (created bool, err error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = nowUTC()
	}
	return r.GetOrCreate(ctx, p, Filters{
		"endpoint_id": p.EndpointID, "name": p.Name, "location": p.Location,
	})
}

type HeaderRepo struct{ repo[Header] }

type RawBodyRepo struct{ repo[RawBody] }

// CreateIfNew stores a body unless the same content was already captured
// for the endpoint. Identity is the SHA-256 of the content.
func (r *RawBodyRepo) CreateIfNew(ctx context.Context, endpointID string, content []byte) (*RawBody, bool, error) {
	b := &RawBody{
		ID:         newID(),
		EndpointID: endpointID,
		Content:    content,
		SHA256:     normalize.HashBody(content),
		CreatedAt:  nowUTC(),
	}
	created, err := r.GetOrCreate(ctx, b, Filters{"endpoint_id": endpointID, "sha256": b.SHA256})
	if err != nil {
		return nil, false, err
	}
	return b, created, nil
}

type DNSRecordRepo struct{ repo[DNSRecord] }

type ScannerTemplateRepo struct{ repo[ScannerTemplate] }

type ScannerExecutionRepo struct{ repo[ScannerExecution] }

// MarkRunning stamps the execution as started.
func (r *ScannerExecutionRepo) MarkRunning(ctx context.Context, id string) error {
	return r.Update(ctx, id, map[string]any{
		"status":     ExecRunning,
		"started_at": nowUTC(),
	})
}

// MarkFinished stamps the terminal status and optional error message.
func (r *ScannerExecutionRepo) MarkFinished(ctx context.Context, id, status, errMsg string) error {
	return r.Update(ctx, id, map[string]any{
		"status":      status,
		"error":       nullIfEmpty(errMsg),
		"finished_at": nowUTC(),
	})
}

type PayloadRepo struct{ repo[Payload] }

type FindingRepo struct{ repo[Finding] }

type LeakRepo struct{ repo[Leak] }

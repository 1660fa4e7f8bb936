package crawler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Scanner explores one target and streams what the pages requested.
// *Engine is the production implementation.
type Scanner interface {
	Scan(ctx context.Context, target string, maxDepth int) (<-chan Result, error)
}

// Server answers scan and health_check calls over a byte stream. Scans
// run concurrently; a single writer goroutine owns the output side, so
// interleaved scans never corrupt each other's frames.
type Server struct {
	scanner Scanner
	log     *zap.Logger
}

func NewServer(scanner Scanner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{scanner: scanner, log: log.Named("rpc")}
}

// Serve reads requests from r until EOF and writes every reply to w.
// It returns once in-flight scans have drained.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		bw := bufio.NewWriter(w)
		for msg := range out {
			_, _ = bw.Write(msg)
			_ = bw.WriteByte('\n')
			_ = bw.Flush()
		}
	}()

	var scans sync.WaitGroup
	reader := bufio.NewScanner(r)
	reader.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for reader.Scan() {
		line := bytes.TrimSpace(reader.Bytes())
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("unparseable request", zap.Error(err))
			continue
		}

		switch req.Method {
		case methodHealthCheck:
			s.respond(ctx, out, req.ID, healthStatus{Status: "ok"}, nil)

		case methodScan:
			var params scanParams
			if err := json.Unmarshal(req.Params, &params); err != nil || params.URL == "" {
				s.respond(ctx, out, req.ID, nil, &rpcError{
					Code:    codeInvalidParams,
					Message: "scan params need a url",
				})
				continue
			}
			scans.Add(1)
			go func(id int, params scanParams) {
				defer scans.Done()
				s.runScan(ctx, out, id, params)
			}(req.ID, params)

		default:
			s.respond(ctx, out, req.ID, nil, &rpcError{
				Code:    codeMethodNotFound,
				Message: "unknown method " + req.Method,
			})
		}
	}
	err := reader.Err()

	cancel()
	scans.Wait()
	close(out)
	<-writerDone
	return err
}

// runScan streams one scan's results as notifications, then sends the
// final response for its id.
func (s *Server) runScan(ctx context.Context, out chan<- []byte, id int, params scanParams) {
	s.log.Info("scan started",
		zap.Int("id", id),
		zap.String("url", params.URL),
		zap.Int("max_depth", params.MaxDepth))

	results, err := s.scanner.Scan(ctx, params.URL, params.MaxDepth)
	if err != nil {
		s.respond(ctx, out, id, nil, &rpcError{Code: codeScanFailed, Message: err.Error()})
		return
	}

	count := 0
	for res := range results {
		res := res
		s.notify(ctx, out, methodScanResult, scanResultParams{ID: id, Result: &res})
		count++
	}
	s.respond(ctx, out, id, scanDone{Results: count}, nil)

	s.log.Info("scan finished", zap.Int("id", id), zap.Int("results", count))
}

func (s *Server) respond(ctx context.Context, out chan<- []byte, id int, result any, rpcErr *rpcError) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			s.log.Error("marshal response", zap.Int("id", id), zap.Error(err))
			return
		}
		resp.Result = raw
	}
	s.send(ctx, out, resp)
}

func (s *Server) notify(ctx context.Context, out chan<- []byte, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.log.Error("marshal notification", zap.String("method", method), zap.Error(err))
		return
	}
	s.send(ctx, out, rpcRequest{JSONRPC: "2.0", Method: method, Params: raw})
}

func (s *Server) send(ctx context.Context, out chan<- []byte, msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal frame", zap.Error(err))
		return
	}
	select {
	case out <- raw:
	case <-ctx.Done():
	}
}

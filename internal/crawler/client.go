package crawler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable reports that the crawler daemon is not running and a
// restart has not brought it back yet.
var ErrUnavailable = errors.New("crawler: daemon unavailable")

// ClientConfig describes how to run and supervise the daemon.
type ClientConfig struct {
	// Command is the daemon binary, e.g. "crawlerd".
	Command string
	Args    []string

	// StartTimeout bounds the post-spawn health check.
	StartTimeout time.Duration

	// RestartDelay is the pause before respawning a dead daemon.
	RestartDelay time.Duration

	Logger *zap.Logger
}

// Client talks to one crawler daemon over its stdio. It spawns the
// process, health-checks it, respawns it when it dies, and fails any
// in-flight scans of the dead instance.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	mu      sync.Mutex
	proc    *exec.Cmd
	stdin   io.Writer
	alive   bool
	closed  bool
	nextID  int
	pending map[int]chan *rpcEnvelope
	streams map[int]chan Result
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger.Named("crawlerc"),
		nextID:  1,
		pending: make(map[int]chan *rpcEnvelope),
		streams: make(map[int]chan Result),
	}
}

// Start spawns the daemon and verifies it answers health checks. The
// supervisor keeps respawning it until Close.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Command == "" {
		return errors.New("crawler: empty daemon command")
	}
	if err := c.spawn(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) spawn(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("crawler: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("crawler: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("crawler: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("crawler: start %s: %w", c.cfg.Command, err)
	}

	c.mu.Lock()
	c.proc = cmd
	c.stdin = stdin
	c.alive = true
	c.mu.Unlock()

	go c.relayStderr(stderr)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(stdout)
	}()
	go c.supervise(ctx, cmd, readDone)

	healthCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()
	if err := c.HealthCheck(healthCtx); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("crawler: daemon failed health check: %w", err)
	}
	c.log.Info("daemon ready", zap.String("command", c.cfg.Command), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// attach wires the client to an already-running peer. Tests use it to
// run the protocol over in-memory pipes.
func (c *Client) attach(stdin io.Writer, stdout io.Reader) {
	c.mu.Lock()
	c.stdin = stdin
	c.alive = true
	c.mu.Unlock()
	go c.readLoop(stdout)
}

// supervise waits for the daemon to die, fails its in-flight work and
// respawns it unless the client is closing.
func (c *Client) supervise(ctx context.Context, cmd *exec.Cmd, readDone <-chan struct{}) {
	<-readDone
	err := cmd.Wait()

	c.mu.Lock()
	closing := c.closed
	c.alive = false
	c.failInFlightLocked()
	c.mu.Unlock()

	if closing || ctx.Err() != nil {
		return
	}
	c.log.Warn("daemon died, respawning",
		zap.String("command", c.cfg.Command), zap.Error(err))

	select {
	case <-time.After(c.cfg.RestartDelay):
	case <-ctx.Done():
		return
	}
	if respawnErr := c.spawn(ctx); respawnErr != nil {
		c.log.Error("daemon respawn failed", zap.Error(respawnErr))
	}
}

// failInFlightLocked closes every pending call and open stream.
// Callers hold c.mu and must have stopped the read loop first.
func (c *Client) failInFlightLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, stream := range c.streams {
		select {
		case stream <- Result{Error: &WireError{Message: "crawler daemon died mid-scan"}, Timestamp: time.Now().UTC()}:
		default:
		}
		close(stream)
		delete(c.streams, id)
	}
}

func (c *Client) relayStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug("daemon stderr", zap.String("line", scanner.Text()))
	}
}

// readLoop dispatches frames until the daemon's stdout closes. Stream
// notifications for a scan always precede its final response, so the
// loop may close a stream the moment the response arrives.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warn("unparseable frame from daemon", zap.Error(err))
			continue
		}

		switch {
		case env.Method == methodScanResult:
			var params scanResultParams
			if err := json.Unmarshal(env.Params, &params); err != nil || params.Result == nil {
				c.log.Warn("malformed scan.result", zap.Error(err))
				continue
			}
			c.mu.Lock()
			stream, ok := c.streams[params.ID]
			c.mu.Unlock()
			if ok {
				stream <- *params.Result
			}

		case env.ID != nil:
			id := *env.ID
			c.mu.Lock()
			if stream, ok := c.streams[id]; ok {
				delete(c.streams, id)
				c.mu.Unlock()
				if env.Error != nil {
					stream <- Result{
						Error:     &WireError{Message: env.Error.Message},
						Timestamp: time.Now().UTC(),
					}
				}
				close(stream)
				continue
			}
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if ok {
				ch <- &env
			}

		default:
			c.log.Debug("ignoring frame", zap.String("method", env.Method))
		}
	}
}

// Scan asks the daemon to explore target and returns the live result
// stream. The channel closes when the daemon finishes the scan; daemon
// death surfaces as a final error result.
func (c *Client) Scan(ctx context.Context, target string, maxDepth int) (<-chan Result, error) {
	params, err := json.Marshal(scanParams{URL: target, MaxDepth: maxDepth})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	id := c.nextID
	c.nextID++
	stream := make(chan Result, 64)
	c.streams[id] = stream

	if err := c.writeLocked(rpcRequest{JSONRPC: "2.0", ID: id, Method: methodScan, Params: params}); err != nil {
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	return stream, nil
}

// HealthCheck round-trips a health_check call.
func (c *Client) HealthCheck(ctx context.Context) error {
	env, err := c.call(ctx, methodHealthCheck, nil)
	if err != nil {
		return err
	}
	var status healthStatus
	if err := json.Unmarshal(env.Result, &status); err != nil {
		return fmt.Errorf("crawler: malformed health response: %w", err)
	}
	if status.Status != "ok" {
		return fmt.Errorf("crawler: daemon unhealthy: %s", status.Status)
	}
	return nil
}

// call sends one request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (*rpcEnvelope, error) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *rpcEnvelope, 1)
	c.pending[id] = ch

	if err := c.writeLocked(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	select {
	case env := <-ch:
		if env == nil {
			return nil, ErrUnavailable
		}
		if env.Error != nil {
			return nil, fmt.Errorf("crawler: rpc error %d: %s", env.Error.Code, env.Error.Message)
		}
		return env, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) writeLocked(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.stdin == nil {
		return ErrUnavailable
	}
	_, err = c.stdin.Write(append(raw, '\n'))
	return err
}

// Close stops supervision and kills the daemon.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	proc := c.proc
	c.mu.Unlock()

	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
	return nil
}

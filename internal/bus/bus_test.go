package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg.Redis = rdb
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoutingTable(t *testing.T) {
	key, err := RoutingKey("subdomain_discovered")
	if err != nil {
		t.Fatalf("routing key: %v", err)
	}
	if key != "discovery.subdomain_discovered" {
		t.Errorf("routing key = %q, want discovery.subdomain_discovered", key)
	}

	if _, err := RoutingKey(""); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("empty event: err = %v, want ErrInvalidEvent", err)
	}
	if _, err := RoutingKey("definitely_not_an_event"); !errors.Is(err, ErrUnroutable) {
		t.Errorf("unknown event: err = %v, want ErrUnroutable", err)
	}

	// Every table entry routes to a real queue and a well-formed key.
	for event, queue := range eventQueue {
		if !validQueue(queue) {
			t.Errorf("event %q maps to unknown queue %q", event, queue)
		}
		key, err := RoutingKey(event)
		if err != nil || key != queue+"."+event {
			t.Errorf("RoutingKey(%q) = %q, %v", event, key, err)
		}
	}
}

func TestPriorityFromConfidence(t *testing.T) {
	cases := []struct {
		conf *float64
		want int
	}{
		{nil, 5},
		{Conf(0.0), 0},
		{Conf(1.0), 10},
		{Conf(0.7), 7},
		{Conf(0.25), 2},
		{Conf(1.5), 10},
		{Conf(-0.3), 0},
	}
	for _, tc := range cases {
		ev := Event{Name: "subdomain_discovered", Confidence: tc.conf}
		if got := ev.Priority(); got != tc.want {
			t.Errorf("priority(%v) = %d, want %d", tc.conf, got, tc.want)
		}
	}
}

func TestPayloadTargetList(t *testing.T) {
	if got := (*Payload)(nil).TargetList(); got != nil {
		t.Errorf("nil payload targets = %v", got)
	}
	p := &Payload{URLs: []string{"https://a"}, Hosts: []string{"h"}}
	if got := p.TargetList(); len(got) != 1 || got[0] != "https://a" {
		t.Errorf("targets = %v, want urls to win over hosts", got)
	}
	if got := (&Payload{IPs: []string{"203.0.113.9"}}).TargetList(); len(got) != 1 || got[0] != "203.0.113.9" {
		t.Errorf("targets = %v, want the ip list", got)
	}
	// JS file lists are only read explicitly, never as generic targets.
	if got := (&Payload{JSFiles: []string{"https://a/app.js"}}).TargetList(); got != nil {
		t.Errorf("targets = %v, want nil for js-only payload", got)
	}
}

func TestPublishRoutesWithPriority(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	err := b.Publish(ctx, Event{
		Name:       "subdomain_discovered",
		ProgramID:  "prog-1",
		Target:     "api.example.com",
		Confidence: Conf(0.7),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	pending, _, err := b.Depth(ctx, QueueDiscovery)
	if err != nil || pending != 1 {
		t.Fatalf("discovery depth = %d, %v, want 1", pending, err)
	}
	for _, q := range []string{QueueEnumeration, QueueValidation, QueueAnalysis} {
		if p, u, _ := b.Depth(ctx, q); p != 0 || u != 0 {
			t.Errorf("queue %s depth = %d/%d, want empty", q, p, u)
		}
	}

	zs, err := b.rdb.ZRangeWithScores(ctx, pendingKey(QueueDiscovery), 0, 0).Result()
	if err != nil || len(zs) != 1 {
		t.Fatalf("zrange: %v (%d members)", err, len(zs))
	}
	if band := int64(zs[0].Score) >> seqBits; band != int64(MaxPriority-7) {
		t.Errorf("score band = %d, want %d (priority 7)", band, MaxPriority-7)
	}
	member, _ := zs[0].Member.(string)
	if !strings.Contains(member, `"event":"subdomain_discovered"`) || !strings.Contains(member, `"id":"`) {
		t.Errorf("member body = %s, want envelope with event and id", member)
	}
}

func TestPublishValidation(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	if err := b.Publish(ctx, Event{}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("missing name: err = %v, want ErrInvalidEvent", err)
	}
	if err := b.Publish(ctx, Event{Name: "coffee_brewed"}); !errors.Is(err, ErrUnroutable) {
		t.Errorf("unknown name: err = %v, want ErrUnroutable", err)
	}
}

func TestClaimOrderIsPriorityThenFIFO(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	publish := func(target string, conf *float64) {
		t.Helper()
		if err := b.Publish(ctx, Event{Name: "subdomain_discovered", Target: target, Confidence: conf}); err != nil {
			t.Fatalf("publish %s: %v", target, err)
		}
	}
	publish("low", Conf(0.2))
	publish("default", nil)
	publish("high", Conf(1.0))

	var got []string
	for i := 0; i < 3; i++ {
		d, err := b.Claim(ctx, QueueDiscovery)
		if err != nil || d == nil {
			t.Fatalf("claim %d: %v, %v", i, d, err)
		}
		got = append(got, d.Event.Target)
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if want := "high,default,low"; strings.Join(got, ",") != want {
		t.Errorf("claim order = %v, want %s", got, want)
	}

	if d, err := b.Claim(ctx, QueueDiscovery); err != nil || d != nil {
		t.Fatalf("drained queue: claim = %v, %v, want nil, nil", d, err)
	}

	// Same priority drains in publish order.
	publish("first", Conf(0.9))
	publish("second", Conf(0.9))
	for _, want := range []string{"first", "second"} {
		d, err := b.Claim(ctx, QueueDiscovery)
		if err != nil || d == nil {
			t.Fatalf("claim: %v, %v", d, err)
		}
		if d.Event.Target != want {
			t.Errorf("claimed %q, want %q", d.Event.Target, want)
		}
		d.Ack(ctx)
	}
}

func TestAckAndNack(t *testing.T) {
	b := newTestBus(t, Config{})
	ctx := context.Background()

	if err := b.Publish(ctx, Event{Name: "httpx_scan_requested", Target: "https://api.example.com"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := b.Claim(ctx, QueueAnalysis)
	if err != nil || d == nil {
		t.Fatalf("claim: %v, %v", d, err)
	}
	if p, u, _ := b.Depth(ctx, QueueAnalysis); p != 0 || u != 1 {
		t.Fatalf("after claim depth = %d/%d, want 0/1", p, u)
	}

	if err := d.Nack(ctx); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if p, u, _ := b.Depth(ctx, QueueAnalysis); p != 1 || u != 0 {
		t.Fatalf("after nack depth = %d/%d, want 1/0", p, u)
	}

	again, err := b.Claim(ctx, QueueAnalysis)
	if err != nil || again == nil {
		t.Fatalf("reclaim: %v, %v", again, err)
	}
	if again.Event.ID != d.Event.ID {
		t.Errorf("reclaimed id %q, want the nacked event %q", again.Event.ID, d.Event.ID)
	}

	if err := again.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if p, u, _ := b.Depth(ctx, QueueAnalysis); p != 0 || u != 0 {
		t.Fatalf("after ack depth = %d/%d, want 0/0", p, u)
	}
}

func TestSubscribeAcksOnSuccess(t *testing.T) {
	b := newTestBus(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var calls atomic.Int32
	seen := make(chan string, 1)
	err := b.Subscribe(QueueDiscovery, func(ctx context.Context, ev Event) error {
		calls.Add(1)
		seen <- ev.Target
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Name: "subdomain_discovered", Target: "api.example.com"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case target := <-seen:
		if target != "api.example.com" {
			t.Errorf("handled target = %q", target)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, "queue drained", func() bool {
		p, u, _ := b.Depth(ctx, QueueDiscovery)
		return p == 0 && u == 0
	})
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestSubscribeRedeliversOnError(t *testing.T) {
	b := newTestBus(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var calls atomic.Int32
	err := b.Subscribe(QueueValidation, func(ctx context.Context, ev Event) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Name: "dnsx_basic_scan_requested", Target: "api.example.com"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "redelivery to succeed", func() bool { return calls.Load() >= 2 })
	waitFor(t, "queue drained", func() bool {
		p, u, _ := b.Depth(ctx, QueueValidation)
		return p == 0 && u == 0
	})
}

func TestSubscribeRecoversPanic(t *testing.T) {
	b := newTestBus(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var calls atomic.Int32
	err := b.Subscribe(QueueAnalysis, func(ctx context.Context, ev Event) error {
		if calls.Add(1) == 1 {
			panic("handler exploded")
		}
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Name: "httpx_scan_requested", Target: "https://api.example.com"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "event to survive the panic", func() bool { return calls.Load() >= 2 })
	waitFor(t, "queue drained", func() bool {
		p, u, _ := b.Depth(ctx, QueueAnalysis)
		return p == 0 && u == 0
	})
}

func TestReaperRequeuesExpiredClaims(t *testing.T) {
	b := newTestBus(t, Config{
		Visibility:   50 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	if err := b.Publish(ctx, Event{Name: "ports_discovered", Target: "203.0.113.10"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := b.Claim(ctx, QueueEnumeration)
	if err != nil || d == nil {
		t.Fatalf("claim: %v, %v", d, err)
	}

	// Never acked: the deadline passes and the reaper puts it back.
	waitFor(t, "claim to expire back to pending", func() bool {
		p, u, _ := b.Depth(ctx, QueueEnumeration)
		return p == 1 && u == 0
	})

	again, err := b.Claim(ctx, QueueEnumeration)
	if err != nil || again == nil {
		t.Fatalf("reclaim: %v, %v", again, err)
	}
	if again.Event.ID != d.Event.ID {
		t.Errorf("requeued id %q, want %q", again.Event.ID, d.Event.ID)
	}
	again.Ack(ctx)
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(t, Config{})

	if err := b.Subscribe("mailroom", func(context.Context, Event) error { return nil }, 1); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("unknown queue: err = %v, want ErrUnknownQueue", err)
	}
	if err := b.Subscribe(QueueDiscovery, nil, 1); !errors.Is(err, ErrNilHandler) {
		t.Errorf("nil handler: err = %v, want ErrNilHandler", err)
	}
	if _, err := b.Claim(context.Background(), "mailroom"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("claim unknown queue: err = %v, want ErrUnknownQueue", err)
	}
}

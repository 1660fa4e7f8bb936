package bus

import (
	"errors"
	"fmt"
	"sort"
)

// The four stage queues behind the scan.events exchange.
const (
	QueueDiscovery   = "discovery"
	QueueEnumeration = "enumeration"
	QueueValidation  = "validation"
	QueueAnalysis    = "analysis"
)

var (
	// ErrInvalidEvent rejects a publish without an event name.
	ErrInvalidEvent = errors.New("bus: event name is required")

	// ErrUnroutable rejects an event name absent from the routing table.
	ErrUnroutable = errors.New("bus: no queue for event")

	// ErrUnknownQueue rejects a subscription to a queue that does not exist.
	ErrUnknownQueue = errors.New("bus: unknown queue")

	// ErrNilHandler rejects a subscription without a callback.
	ErrNilHandler = errors.New("bus: handler is required")
)

// Queues lists the stage queues in pipeline order.
func Queues() []string {
	return []string{QueueDiscovery, QueueEnumeration, QueueValidation, QueueAnalysis}
}

// eventQueue is the static routing table: every event name maps to
// exactly one queue. An event missing here is unroutable.
var eventQueue = map[string]string{
	"subfinder_scan_requested": QueueDiscovery,
	"amass_scan_requested":     QueueDiscovery,
	"asnmap_scan_requested":    QueueDiscovery,
	"subdomain_discovered":     QueueDiscovery,
	"asn_discovered":           QueueDiscovery,
	"cidr_discovered":          QueueDiscovery,

	"mapcidr_scan_requested":    QueueEnumeration,
	"hakip2host_scan_requested": QueueEnumeration,
	"smap_scan_requested":       QueueEnumeration,
	"ips_expanded":              QueueEnumeration,
	"ports_discovered":          QueueEnumeration,

	"dnsx_basic_scan_requested": QueueValidation,
	"dnsx_deep_scan_requested":  QueueValidation,
	"dnsx_ptr_scan_requested":   QueueValidation,

	"httpx_scan_requested":      QueueAnalysis,
	"tlsx_scan_requested":       QueueAnalysis,
	"naabu_scan_requested":      QueueAnalysis,
	"gau_scan_requested":        QueueAnalysis,
	"katana_scan_requested":     QueueAnalysis,
	"crawler_scan_requested":    QueueAnalysis,
	"linkfinder_scan_requested": QueueAnalysis,
	"mantra_scan_requested":     QueueAnalysis,
	"ffuf_scan_requested":       QueueAnalysis,
	"subjack_scan_requested":    QueueAnalysis,
	"host_discovered":           QueueAnalysis,
	"url_discovered":            QueueAnalysis,
	"js_files_discovered":       QueueAnalysis,
	"scan_results_batch":        QueueAnalysis,
}

// QueueFor resolves the queue an event routes to.
func QueueFor(event string) (string, bool) {
	q, ok := eventQueue[event]
	return q, ok
}

// Events lists every routable event name, sorted.
func Events() []string {
	names := make([]string, 0, len(eventQueue))
	for name := range eventQueue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoutingKey returns `<queue>.<event>` for a routable event name.
func RoutingKey(event string) (string, error) {
	if event == "" {
		return "", ErrInvalidEvent
	}
	q, ok := eventQueue[event]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnroutable, event)
	}
	return q + "." + event, nil
}

func validQueue(name string) bool {
	switch name {
	case QueueDiscovery, QueueEnumeration, QueueValidation, QueueAnalysis:
		return true
	}
	return false
}

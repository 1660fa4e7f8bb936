package bus

import (
	"encoding/json"
	"math"
)

// DefaultConfidence stands in when an event carries no confidence field.
const DefaultConfidence = 0.5

// MaxPriority is the top of the queue priority range.
const MaxPriority = 10

// Event is the envelope published to the bus. Name is required; the ID
// is assigned at publish time and keeps otherwise-identical envelopes
// distinct on the wire.
type Event struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"event"`
	ProgramID  string   `json:"program_id,omitempty"`
	Target     string   `json:"target,omitempty"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Payload    *Payload `json:"payload,omitempty"`
}

// Payload carries the tool-specific body of an event: one or more target
// lists, or an opaque result object.
type Payload struct {
	Subdomains []string        `json:"subdomains,omitempty"`
	URLs       []string        `json:"urls,omitempty"`
	Hosts      []string        `json:"hosts,omitempty"`
	IPs        []string        `json:"ips,omitempty"`
	Targets    []string        `json:"targets,omitempty"`
	JSFiles    []string        `json:"js_files,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// TargetList returns the first non-empty list in preference order:
// subdomains, urls, hosts, ips, targets. JS file lists are not part of
// the generic extraction; consumers that want them read JSFiles.
func (p *Payload) TargetList() []string {
	if p == nil {
		return nil
	}
	for _, list := range [][]string{p.Subdomains, p.URLs, p.Hosts, p.IPs, p.Targets} {
		if len(list) > 0 {
			return list
		}
	}
	return nil
}

// Conf wraps a confidence value for the optional envelope field.
func Conf(v float64) *float64 { return &v }

// Priority derives the queue priority from the event's confidence:
// clamp(floor(confidence*10), 0, 10), defaulting to 5.
func (e *Event) Priority() int {
	c := DefaultConfidence
	if e.Confidence != nil {
		c = *e.Confidence
	}
	p := int(math.Floor(c * 10))
	if p < 0 {
		p = 0
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	return p
}

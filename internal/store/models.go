package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Scanner execution lifecycle states.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// Sources recorded on host_ips links.
const (
	IPSourceDNS = "dns"
	IPSourcePTR = "ptr"
	IPSourceSAN = "san"
)

// Program is a bug bounty program, the root of every asset tree.
type Program struct {
	ID        string
	Name      string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScopeRule is one include or exclude pattern attached to a program.
type ScopeRule struct {
	ID        string
	ProgramID string
	Kind      string // domain, wildcard, regex, cidr
	Pattern   string
	Action    string // include, exclude
	CreatedAt time.Time
}

// RootInput is a seed target the operator handed to the program.
type RootInput struct {
	ID        string
	ProgramID string
	Value     string
	Kind      string // domain, ip, url
	CreatedAt time.Time
}

// Host is a discovered hostname. CNAMEChain holds the resolution chain
// in order, serialized as a JSON array.
type Host struct {
	ID         string
	ProgramID  string
	Hostname   string
	InScope    bool
	Source     string
	CNAMEChain []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IPAddress is a discovered v4 or v6 address.
type IPAddress struct {
	ID        string
	ProgramID string
	Address   string
	Version   string // v4, v6
	InScope   bool
	ASN       string
	CreatedAt time.Time
}

// HostIP links a host to an address and remembers which technique
// produced the link.
type HostIP struct {
	ID        string
	HostID    string
	IPID      string
	Source    string
	CreatedAt time.Time
}

// Service is an open port on an address. Technologies maps product name
// to detection detail, a version string or true for bare presence,
// serialized as JSON.
type Service struct {
	ID           string
	IPID         string
	Port         int
	Protocol     string
	Scheme       string
	Banner       string
	Technologies map[string]any
	FaviconHash  string
	Websocket    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Endpoint is one (service, normalized path, method) row. Sibling rows
// sharing service and normalized path carry the other observed methods.
type Endpoint struct {
	ID             string
	ServiceID      string
	HostID         string // optional; "" when the endpoint came in by IP
	Path           string
	NormalizedPath string
	Method         string
	StatusCode     int // 0 when never probed
	ContentType    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InputParameter is an injectable input observed on an endpoint.
type InputParameter struct {
	ID         string
	EndpointID string
	Name       string
	Location   string // query, body, header, cookie, path
	ParamType  string
	Example    string
	Reflected  bool
	IsArray    bool
	CreatedAt  time.Time
}

// Header is a notable response header captured for an endpoint.
type Header struct {
	ID         string
	EndpointID string
	Name       string
	Value      string
	CreatedAt  time.Time
}

// RawBody is a stored request or response body, deduplicated by digest.
type RawBody struct {
	ID         string
	EndpointID string
	Content    []byte
	SHA256     string
	CreatedAt  time.Time
}

// DNSRecord is one resolved record for a host. Priority is only set for
// record types that carry one (MX).
type DNSRecord struct {
	ID         string
	HostID     string
	RecordType string
	Value      string
	TTL        int
	Priority   int
	IsWildcard bool
	CreatedAt  time.Time
}

// ScannerTemplate is a stored vulnerability check definition.
type ScannerTemplate struct {
	ID        string
	Name      string
	Category  string
	Severity  string
	Raw       string
	CreatedAt time.Time
}

// ScannerExecution is one recorded tool run against a target.
type ScannerExecution struct {
	ID         string
	ProgramID  string
	TemplateID string // optional
	Tool       string
	Target     string
	Status     string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// Payload is a reusable attack payload grouped by category.
type Payload struct {
	ID          string
	Category    string
	Content     string
	Description string
	CreatedAt   time.Time
}

// Finding is a confirmed or suspected vulnerability.
type Finding struct {
	ID          string
	ProgramID   string
	EndpointID  string // optional
	ExecutionID string // optional
	Title       string
	Severity    string
	Evidence    string
	CreatedAt   time.Time
}

// Leak is a credential or secret exposure tied to a program.
type Leak struct {
	ID        string
	ProgramID string
	Kind      string
	Value     string
	Source    string
	CreatedAt time.Time
}

func newID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// NewProgram builds a program with generated id and timestamps.
func NewProgram(name, platform string) *Program {
	now := nowUTC()
	return &Program{ID: newID(), Name: name, Platform: platform, CreatedAt: now, UpdatedAt: now}
}

// NewScopeRule builds a scope pattern row for a program.
func NewScopeRule(programID, kind, pattern, action string) *ScopeRule {
	return &ScopeRule{
		ID: newID(), ProgramID: programID,
		Kind: kind, Pattern: pattern, Action: action,
		CreatedAt: nowUTC(),
	}
}

// NewRootInput builds a seed target row for a program.
func NewRootInput(programID, value, kind string) *RootInput {
	return &RootInput{
		ID: newID(), ProgramID: programID, Value: value, Kind: kind,
		CreatedAt: nowUTC(),
	}
}

// NewHost builds an in-scope-unknown host row for a program.
func NewHost(programID, hostname string) *Host {
	now := nowUTC()
	return &Host{ID: newID(), ProgramID: programID, Hostname: hostname, CreatedAt: now, UpdatedAt: now}
}

// NewScannerExecution builds a pending execution record for one tool run.
func NewScannerExecution(programID, tool, target string) *ScannerExecution {
	return &ScannerExecution{
		ID:        newID(),
		ProgramID: programID,
		Tool:      tool,
		Target:    target,
		Status:    ExecPending,
		CreatedAt: nowUTC(),
	}
}

// marshalMap renders a map as canonical JSON, never null.
func marshalMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(s string) map[string]any {
	m := map[string]any{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// marshalList renders a string slice as JSON, never null.
func marshalList(l []string) string {
	if len(l) == 0 {
		return "[]"
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var l []string
	_ = json.Unmarshal([]byte(s), &l)
	return l
}

// nullIfZero stores zero ints as SQL NULL so absent numerics stay
// distinguishable from measured zeros.
func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// nullIfEmpty stores empty strings as SQL NULL, used for optional
// foreign keys whose constraints reject "".
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime adapts optional timestamps for binding.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

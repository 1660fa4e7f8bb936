package tools

// Record is one parsed observation emitted by a tool adapter. The
// concrete types below form the closed set the ingest layer switches on.
type Record interface {
	Kind() string
}

// Subdomain is a hostname discovered by passive or active enumeration.
type Subdomain struct {
	Hostname string
	Source   string
}

func (Subdomain) Kind() string { return "subdomain" }

// IPRecord is a bare address, typically from CIDR expansion.
type IPRecord struct {
	Address string
}

func (IPRecord) Kind() string { return "ip" }

// Resolution links a hostname to an address it resolves to.
type Resolution struct {
	Hostname string
	Address  string
}

func (Resolution) Kind() string { return "resolution" }

// DNS is a single resolved record. Priority is only meaningful for MX.
type DNS struct {
	Hostname   string
	RecordType string
	Value      string
	TTL        int
	Priority   int
	Wildcard   bool
}

func (DNS) Kind() string { return "dns" }

// HostFromIP is a hostname recovered from an address by reverse
// techniques. Technique is one of ptr, san, cn.
type HostFromIP struct {
	Address   string
	Hostname  string
	Technique string
}

func (HostFromIP) Kind() string { return "host_from_ip" }

// HTTPService is a live web service observed by probing.
type HTTPService struct {
	URL          string
	Hostname     string
	Address      string
	Port         int
	Scheme       string
	StatusCode   int
	ContentType  string
	Title        string
	Technologies map[string]any
	FaviconHash  string
	Websocket    bool
	CNAMEChain   []string
}

func (HTTPService) Kind() string { return "http_service" }

// PortService is an open port found by a port scanner.
type PortService struct {
	Address     string
	Hostname    string
	Port        int
	Protocol    string
	ServiceName string
	Banner      string
}

func (PortService) Kind() string { return "port_service" }

// URLRecord is a URL or path sighting from crawling, archives, fuzzing
// or JavaScript analysis. RawURL may be a bare path for sources that
// only see paths.
type URLRecord struct {
	RawURL      string
	Method      string
	StatusCode  int
	ContentType string
	Source      string
}

func (URLRecord) Kind() string { return "url" }

// TLSCert is certificate metadata pulled from a TLS handshake.
type TLSCert struct {
	Hostname  string
	Port      int
	SubjectCN string
	SANs      []string
	Issuer    string
	NotAfter  string
}

func (TLSCert) Kind() string { return "tls_cert" }

// ASN describes an autonomous system and its announced ranges.
type ASN struct {
	Number string
	Org    string
	Ranges []string
}

func (ASN) Kind() string { return "asn" }

// Takeover flags a hostname whose CNAME points at a claimable service.
type Takeover struct {
	Hostname string
	Service  string
}

func (Takeover) Kind() string { return "takeover" }

// LeakRecord is a secret spotted in fetched content.
type LeakRecord struct {
	LeakKind string
	Value    string
	Source   string
}

func (LeakRecord) Kind() string { return "leak" }

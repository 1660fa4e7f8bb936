package store

import (
	"database/sql"
)

// The mappers bind each entity to its table. Column lists name every
// column explicitly so physical order never matters, including columns
// added by migration.

var programMapper = mapper[Program]{
	table:   "programs",
	columns: []string{"id", "name", "platform", "created_at", "updated_at"},
	values: func(p *Program) []any {
		return []any{p.ID, p.Name, nullIfEmpty(p.Platform), p.CreatedAt.UTC(), p.UpdatedAt.UTC()}
	},
	scan: func(row rowScanner) (*Program, error) {
		var p Program
		var platform sql.NullString
		if err := row.Scan(&p.ID, &p.Name, &platform, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Platform = platform.String
		return &p, nil
	},
}

var scopeRuleMapper = mapper[ScopeRule]{
	table:   "scope_rules",
	columns: []string{"id", "program_id", "kind", "pattern", "action", "created_at"},
	values: func(r *ScopeRule) []any {
		return []any{r.ID, r.ProgramID, r.Kind, r.Pattern, r.Action, r.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*ScopeRule, error) {
		var r ScopeRule
		if err := row.Scan(&r.ID, &r.ProgramID, &r.Kind, &r.Pattern, &r.Action, &r.CreatedAt); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

var rootInputMapper = mapper[RootInput]{
	table:   "root_inputs",
	columns: []string{"id", "program_id", "value", "kind", "created_at"},
	values: func(r *RootInput) []any {
		return []any{r.ID, r.ProgramID, r.Value, r.Kind, r.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*RootInput, error) {
		var r RootInput
		if err := row.Scan(&r.ID, &r.ProgramID, &r.Value, &r.Kind, &r.CreatedAt); err != nil {
			return nil, err
		}
		return &r, nil
	},
}

var hostMapper = mapper[Host]{
	table: "hosts",
	columns: []string{
		"id", "program_id", "hostname", "in_scope", "source", "cname_chain",
		"created_at", "updated_at",
	},
	values: func(h *Host) []any {
		return []any{
			h.ID, h.ProgramID, h.Hostname, h.InScope, nullIfEmpty(h.Source),
			marshalList(h.CNAMEChain), h.CreatedAt.UTC(), h.UpdatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*Host, error) {
		var h Host
		var source sql.NullString
		var chain string
		if err := row.Scan(&h.ID, &h.ProgramID, &h.Hostname, &h.InScope, &source,
			&chain, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Source = source.String
		h.CNAMEChain = unmarshalList(chain)
		return &h, nil
	},
}

var ipAddressMapper = mapper[IPAddress]{
	table: "ip_addresses",
	columns: []string{
		"id", "program_id", "address", "version", "in_scope", "asn", "created_at",
	},
	values: func(ip *IPAddress) []any {
		return []any{
			ip.ID, ip.ProgramID, ip.Address, ip.Version, ip.InScope,
			nullIfEmpty(ip.ASN), ip.CreatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*IPAddress, error) {
		var ip IPAddress
		var asn sql.NullString
		if err := row.Scan(&ip.ID, &ip.ProgramID, &ip.Address, &ip.Version,
			&ip.InScope, &asn, &ip.CreatedAt); err != nil {
			return nil, err
		}
		ip.ASN = asn.String
		return &ip, nil
	},
}

var hostIPMapper = mapper[HostIP]{
	table:   "host_ips",
	columns: []string{"id", "host_id", "ip_id", "source", "created_at"},
	values: func(l *HostIP) []any {
		return []any{l.ID, l.HostID, l.IPID, nullIfEmpty(l.Source), l.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*HostIP, error) {
		var l HostIP
		var source sql.NullString
		if err := row.Scan(&l.ID, &l.HostID, &l.IPID, &source, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Source = source.String
		return &l, nil
	},
}

var serviceMapper = mapper[Service]{
	table: "services",
	columns: []string{
		"id", "ip_id", "port", "protocol", "scheme", "banner", "technologies",
		"favicon_hash", "websocket", "created_at", "updated_at",
	},
	values: func(s *Service) []any {
		proto := s.Protocol
		if proto == "" {
			proto = "tcp"
		}
		return []any{
			s.ID, s.IPID, s.Port, proto, nullIfEmpty(s.Scheme), nullIfEmpty(s.Banner),
			marshalMap(s.Technologies), nullIfEmpty(s.FaviconHash), s.Websocket,
			s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*Service, error) {
		var s Service
		var scheme, banner, favicon sql.NullString
		var tech string
		if err := row.Scan(&s.ID, &s.IPID, &s.Port, &s.Protocol, &scheme, &banner,
			&tech, &favicon, &s.Websocket, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Scheme = scheme.String
		s.Banner = banner.String
		s.Technologies = unmarshalMap(tech)
		s.FaviconHash = favicon.String
		return &s, nil
	},
}

var endpointMapper = mapper[Endpoint]{
	table: "endpoints",
	columns: []string{
		"id", "host_id", "service_id", "path", "normalized_path", "method",
		"status_code", "content_type", "created_at", "updated_at",
	},
	values: func(e *Endpoint) []any {
		method := e.Method
		if method == "" {
			method = "GET"
		}
		return []any{
			e.ID, nullIfEmpty(e.HostID), e.ServiceID, e.Path, e.NormalizedPath,
			method, nullIfZero(e.StatusCode), nullIfEmpty(e.ContentType),
			e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*Endpoint, error) {
		var e Endpoint
		var hostID, contentType sql.NullString
		var status sql.NullInt64
		if err := row.Scan(&e.ID, &hostID, &e.ServiceID, &e.Path, &e.NormalizedPath,
			&e.Method, &status, &contentType, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.HostID = hostID.String
		e.StatusCode = int(status.Int64)
		e.ContentType = contentType.String
		return &e, nil
	},
}

var inputParameterMapper = mapper[InputParameter]{
	table: "input_parameters",
	columns: []string{
		"id", "endpoint_id", "name", "location", "param_type", "reflected",
		"is_array", "example", "created_at",
	},
	values: func(p *InputParameter) []any {
		return []any{
			p.ID, p.EndpointID, p.Name, p.Location, nullIfEmpty(p.ParamType),
			p.Reflected, p.IsArray, nullIfEmpty(p.Example), p.CreatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*InputParameter, error) {
		var p InputParameter
		var ptype, example sql.NullString
		if err := row.Scan(&p.ID, &p.EndpointID, &p.Name, &p.Location, &ptype,
			&p.Reflected, &p.IsArray, &example, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ParamType = ptype.String
		p.Example = example.String
		return &p, nil
	},
}

var headerMapper = mapper[Header]{
	table:   "headers",
	columns: []string{"id", "endpoint_id", "name", "value", "created_at"},
	values: func(h *Header) []any {
		return []any{h.ID, h.EndpointID, h.Name, nullIfEmpty(h.Value), h.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*Header, error) {
		var h Header
		var value sql.NullString
		if err := row.Scan(&h.ID, &h.EndpointID, &h.Name, &value, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Value = value.String
		return &h, nil
	},
}

var rawBodyMapper = mapper[RawBody]{
	table:   "raw_bodies",
	columns: []string{"id", "endpoint_id", "content", "sha256", "created_at"},
	values: func(b *RawBody) []any {
		return []any{b.ID, b.EndpointID, b.Content, b.SHA256, b.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*RawBody, error) {
		var b RawBody
		if err := row.Scan(&b.ID, &b.EndpointID, &b.Content, &b.SHA256, &b.CreatedAt); err != nil {
			return nil, err
		}
		return &b, nil
	},
}

var dnsRecordMapper = mapper[DNSRecord]{
	table: "dns_records",
	columns: []string{
		"id", "host_id", "record_type", "value", "ttl", "priority",
		"is_wildcard", "created_at",
	},
	values: func(r *DNSRecord) []any {
		return []any{
			r.ID, r.HostID, r.RecordType, r.Value, nullIfZero(r.TTL),
			nullIfZero(r.Priority), r.IsWildcard, r.CreatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*DNSRecord, error) {
		var r DNSRecord
		var ttl, priority sql.NullInt64
		if err := row.Scan(&r.ID, &r.HostID, &r.RecordType, &r.Value, &ttl,
			&priority, &r.IsWildcard, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.TTL = int(ttl.Int64)
		r.Priority = int(priority.Int64)
		return &r, nil
	},
}

var scannerTemplateMapper = mapper[ScannerTemplate]{
	table:   "scanner_templates",
	columns: []string{"id", "name", "category", "severity", "raw", "created_at"},
	values: func(t *ScannerTemplate) []any {
		return []any{
			t.ID, t.Name, nullIfEmpty(t.Category), nullIfEmpty(t.Severity),
			nullIfEmpty(t.Raw), t.CreatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*ScannerTemplate, error) {
		var t ScannerTemplate
		var category, severity, raw sql.NullString
		if err := row.Scan(&t.ID, &t.Name, &category, &severity, &raw, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Category = category.String
		t.Severity = severity.String
		t.Raw = raw.String
		return &t, nil
	},
}

var scannerExecutionMapper = mapper[ScannerExecution]{
	table: "scanner_executions",
	columns: []string{
		"id", "program_id", "template_id", "tool", "target", "status", "error",
		"started_at", "finished_at", "created_at",
	},
	values: func(e *ScannerExecution) []any {
		status := e.Status
		if status == "" {
			status = ExecPending
		}
		return []any{
			e.ID, e.ProgramID, nullIfEmpty(e.TemplateID), e.Tool,
			nullIfEmpty(e.Target), status, nullIfEmpty(e.Error),
			nullTime(e.StartedAt), nullTime(e.FinishedAt), e.CreatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*ScannerExecution, error) {
		var e ScannerExecution
		var templateID, target, errMsg sql.NullString
		var started, finished sql.NullTime
		if err := row.Scan(&e.ID, &e.ProgramID, &templateID, &e.Tool, &target,
			&e.Status, &errMsg, &started, &finished, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TemplateID = templateID.String
		e.Target = target.String
		e.Error = errMsg.String
		if started.Valid {
			t := started.Time
			e.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		return &e, nil
	},
}

var payloadMapper = mapper[Payload]{
	table:   "payloads",
	columns: []string{"id", "category", "content", "description", "created_at"},
	values: func(p *Payload) []any {
		return []any{p.ID, p.Category, p.Content, nullIfEmpty(p.Description), p.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*Payload, error) {
		var p Payload
		var desc sql.NullString
		if err := row.Scan(&p.ID, &p.Category, &p.Content, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		return &p, nil
	},
}

var findingMapper = mapper[Finding]{
	table: "findings",
	columns: []string{
		"id", "program_id", "endpoint_id", "execution_id", "title", "severity",
		"evidence", "created_at",
	},
	values: func(f *Finding) []any {
		return []any{
			f.ID, f.ProgramID, nullIfEmpty(f.EndpointID), nullIfEmpty(f.ExecutionID),
			f.Title, nullIfEmpty(f.Severity), nullIfEmpty(f.Evidence), f.CreatedAt.UTC(),
		}
	},
	scan: func(row rowScanner) (*Finding, error) {
		var f Finding
		var endpointID, executionID, severity, evidence sql.NullString
		if err := row.Scan(&f.ID, &f.ProgramID, &endpointID, &executionID,
			&f.Title, &severity, &evidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.EndpointID = endpointID.String
		f.ExecutionID = executionID.String
		f.Severity = severity.String
		f.Evidence = evidence.String
		return &f, nil
	},
}

var leakMapper = mapper[Leak]{
	table:   "leaks",
	columns: []string{"id", "program_id", "kind", "value", "source", "created_at"},
	values: func(l *Leak) []any {
		return []any{l.ID, l.ProgramID, l.Kind, l.Value, nullIfEmpty(l.Source), l.CreatedAt.UTC()}
	},
	scan: func(row rowScanner) (*Leak, error) {
		var l Leak
		var source sql.NullString
		if err := row.Scan(&l.ID, &l.ProgramID, &l.Kind, &l.Value, &source, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Source = source.String
		return &l, nil
	},
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reconduit/internal/normalize"
	"reconduit/internal/scope"
	"reconduit/internal/store"
	"reconduit/internal/tools"
)

// session carries per-run state through the record handlers.
type session struct {
	ing      *Ingestor
	program  *store.Program
	snapshot *scope.Snapshot
	scorer   *scope.Scorer
	result   *Result
}

// process dispatches one record. A nil return also covers records the
// handler deliberately dropped; only database errors propagate and fail
// the batch.
func (s *session) process(ctx context.Context, u *store.UnitOfWork, record tools.Record) error {
	switch rec := record.(type) {
	case tools.Subdomain:
		return s.addSubdomain(ctx, u, rec)
	case tools.IPRecord:
		_, err := s.addAddress(ctx, u, rec.Address)
		return err
	case tools.Resolution:
		return s.addResolution(ctx, u, rec)
	case tools.DNS:
		return s.addDNSRecord(ctx, u, rec)
	case tools.HostFromIP:
		return s.addHostFromIP(ctx, u, rec)
	case tools.HTTPService:
		return s.addHTTPService(ctx, u, rec)
	case tools.PortService:
		return s.addPortService(ctx, u, rec)
	case tools.URLRecord:
		return s.addURL(ctx, u, rec)
	case tools.TLSCert:
		return s.addTLSCert(ctx, u, rec)
	case tools.ASN:
		s.result.CIDRs = append(s.result.CIDRs, rec.Ranges...)
		return nil
	case tools.Takeover:
		return s.addTakeover(ctx, u, rec)
	case tools.LeakRecord:
		return s.addLeak(ctx, u, rec)
	default:
		s.ing.log.Debug("unhandled record kind", zap.String("kind", record.Kind()))
		return nil
	}
}

// addHost resolves or creates a host row. New hosts get their scope
// verdict from the rule snapshot, or from confidence signals when no
// rule speaks for them.
func (s *session) addHost(ctx context.Context, u *store.UnitOfWork, hostname, source string, signals ...scope.Signal) (*store.Host, error) {
	hostname, ok := normalize.Hostname(hostname)
	if !ok {
		return nil, nil
	}

	h := store.NewHost(s.program.ID, hostname)
	h.Source = source
	h.InScope = s.inScope(hostname, signals...)

	created, err := u.Hosts().GetOrCreate(ctx, h, store.Filters{
		"program_id": s.program.ID, "hostname": hostname,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.result.created("hosts")
		if h.InScope {
			s.result.NewHostnames = append(s.result.NewHostnames, hostname)
		}
	}
	return h, nil
}

// inScope applies the rule snapshot first and falls back to confidence
// scoring for assets no rule covers.
func (s *session) inScope(target string, signals ...scope.Signal) bool {
	if s.snapshot == nil {
		return true
	}
	if s.snapshot.Contains(target) {
		return true
	}
	if len(signals) == 0 {
		return false
	}
	return s.scorer.Score(signals...).InScope
}

func (s *session) addSubdomain(ctx context.Context, u *store.UnitOfWork, rec tools.Subdomain) error {
	_, err := s.addHost(ctx, u, rec.Hostname, rec.Source)
	return err
}

func (s *session) addAddress(ctx context.Context, u *store.UnitOfWork, address string) (*store.IPAddress, error) {
	version, ok := normalize.IPVersion(address)
	if !ok {
		return nil, nil
	}
	ip := &store.IPAddress{
		ID:        uuid.NewString(),
		ProgramID: s.program.ID,
		Address:   address,
		Version:   version,
		InScope:   s.inScope(address),
		CreatedAt: time.Now().UTC(),
	}
	created, err := u.IPAddresses().GetOrCreate(ctx, ip, store.Filters{
		"program_id": s.program.ID, "address": address,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.result.created("ip_addresses")
		if ip.InScope {
			s.result.NewAddresses = append(s.result.NewAddresses, address)
		}
	}
	return ip, nil
}

func (s *session) addResolution(ctx context.Context, u *store.UnitOfWork, rec tools.Resolution) error {
	host, err := s.addHost(ctx, u, rec.Hostname, "dns")
	if err != nil || host == nil {
		return err
	}
	ip, err := s.addAddress(ctx, u, rec.Address)
	if err != nil || ip == nil {
		return err
	}
	created, err := u.HostIPs().Link(ctx, host.ID, ip.ID, store.IPSourceDNS)
	if err != nil {
		return err
	}
	if created {
		s.result.created("host_ips")
	}
	return nil
}

func (s *session) addDNSRecord(ctx context.Context, u *store.UnitOfWork, rec tools.DNS) error {
	host, err := s.addHost(ctx, u, rec.Hostname, "dns")
	if err != nil || host == nil {
		return err
	}

	row := &store.DNSRecord{
		ID:         uuid.NewString(),
		HostID:     host.ID,
		RecordType: rec.RecordType,
		Value:      rec.Value,
		TTL:        rec.TTL,
		Priority:   rec.Priority,
		IsWildcard: rec.Wildcard,
		CreatedAt:  time.Now().UTC(),
	}
	created, err := u.DNSRecords().GetOrCreate(ctx, row, store.Filters{
		"host_id": host.ID, "record_type": rec.RecordType, "value": rec.Value,
	})
	if err != nil {
		return err
	}
	if created {
		s.result.created("dns_records")
	}

	// CNAME sightings extend the host's recorded chain in order.
	if rec.RecordType == "CNAME" && !containsString(host.CNAMEChain, rec.Value) {
		chain := append(append([]string{}, host.CNAMEChain...), rec.Value)
		if err := u.Hosts().SetCNAMEChain(ctx, host.ID, chain); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) addHostFromIP(ctx context.Context, u *store.UnitOfWork, rec tools.HostFromIP) error {
	var signal scope.Signal
	var source string
	switch rec.Technique {
	case "ptr":
		signal, source = scope.SignalPTRRecord, store.IPSourcePTR
	case "san", "cn":
		signal, source = scope.SignalSANCert, store.IPSourceSAN
	default:
		s.ing.log.Debug("unknown reverse technique", zap.String("technique", rec.Technique))
		return nil
	}

	host, err := s.addHost(ctx, u, rec.Hostname, rec.Technique, signal)
	if err != nil || host == nil {
		return err
	}
	ip, err := s.addAddress(ctx, u, rec.Address)
	if err != nil || ip == nil {
		return err
	}
	created, err := u.HostIPs().Link(ctx, host.ID, ip.ID, source)
	if err != nil {
		return err
	}
	if created {
		s.result.created("host_ips")
	}
	return nil
}

func (s *session) addHTTPService(ctx context.Context, u *store.UnitOfWork, rec tools.HTTPService) error {
	if rec.Address == "" {
		// Without an address there is no service identity to attach to.
		return nil
	}
	ip, err := s.addAddress(ctx, u, rec.Address)
	if err != nil || ip == nil {
		return err
	}

	port := rec.Port
	if port == 0 {
		port = defaultPort(rec.Scheme)
	}
	svc := &store.Service{
		ID:          uuid.NewString(),
		IPID:        ip.ID,
		Port:        port,
		Scheme:      rec.Scheme,
		FaviconHash: rec.FaviconHash,
		Websocket:   rec.Websocket,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	created, err := u.Services().GetOrCreateWithTech(ctx, svc, rec.Technologies)
	if err != nil {
		return err
	}
	if created {
		s.result.created("services")
		if rec.URL != "" {
			s.result.NewServiceURLs = append(s.result.NewServiceURLs, rec.URL)
		}
	} else if err := s.refreshService(ctx, u, svc, rec); err != nil {
		return err
	}

	if rec.Hostname != "" {
		host, err := s.addHost(ctx, u, rec.Hostname, "httpx")
		if err != nil {
			return err
		}
		if host != nil {
			if _, err := u.HostIPs().Link(ctx, host.ID, ip.ID, store.IPSourceDNS); err != nil {
				return err
			}
			if len(rec.CNAMEChain) > len(host.CNAMEChain) {
				if err := u.Hosts().SetCNAMEChain(ctx, host.ID, rec.CNAMEChain); err != nil {
					return err
				}
			}
		}
	}

	// The probed URL itself is an endpoint observation.
	if rec.URL != "" {
		urlRec := tools.URLRecord{
			RawURL:      rec.URL,
			Method:      "GET",
			StatusCode:  rec.StatusCode,
			ContentType: rec.ContentType,
			Source:      "httpx",
		}
		return s.attachURL(ctx, u, urlRec, svc)
	}
	return nil
}

// refreshService fills probe fields a later sighting added. Known
// values are never cleared by an empty re-observation.
func (s *session) refreshService(ctx context.Context, u *store.UnitOfWork, svc *store.Service, rec tools.HTTPService) error {
	fields := map[string]any{}
	if rec.Scheme != "" && rec.Scheme != svc.Scheme {
		fields["scheme"] = rec.Scheme
	}
	if rec.FaviconHash != "" && rec.FaviconHash != svc.FaviconHash {
		fields["favicon_hash"] = rec.FaviconHash
	}
	if rec.Websocket && !svc.Websocket {
		fields["websocket"] = true
	}
	if len(fields) == 0 {
		return nil
	}
	return u.Services().Update(ctx, svc.ID, fields)
}

func (s *session) addPortService(ctx context.Context, u *store.UnitOfWork, rec tools.PortService) error {
	ip, err := s.addAddress(ctx, u, rec.Address)
	if err != nil || ip == nil {
		return err
	}

	svc := &store.Service{
		ID:        uuid.NewString(),
		IPID:      ip.ID,
		Port:      rec.Port,
		Protocol:  rec.Protocol,
		Scheme:    rec.ServiceName,
		Banner:    rec.Banner,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	created, err := u.Services().GetOrCreateWithTech(ctx, svc, nil)
	if err != nil {
		return err
	}
	if created {
		s.result.created("services")
	} else if rec.Banner != "" && svc.Banner == "" {
		if err := u.Services().Update(ctx, svc.ID, map[string]any{"banner": rec.Banner}); err != nil {
			return err
		}
	}

	if rec.Hostname != "" {
		host, err := s.addHost(ctx, u, rec.Hostname, "portscan")
		if err != nil {
			return err
		}
		if host != nil {
			if _, err := u.HostIPs().Link(ctx, host.ID, ip.ID, store.IPSourceDNS); err != nil {
				return err
			}
		}
	}

	if created {
		endpoint := rec.Address
		if rec.Hostname != "" {
			endpoint = rec.Hostname
		}
		s.result.NewPorts = append(s.result.NewPorts,
			endpoint+":"+strconv.Itoa(rec.Port))
	}
	return nil
}

// addURL places a URL sighting under the right service. URLs whose host
// has no resolved address yet are dropped; resolution stages run before
// content stages, so this only loses truly unresolvable names.
func (s *session) addURL(ctx context.Context, u *store.UnitOfWork, rec tools.URLRecord) error {
	if strings.HasPrefix(rec.RawURL, "/") {
		// Bare paths from JavaScript mining carry no host context.
		return nil
	}
	parsed, err := url.Parse(rec.RawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	hostname, ok := normalize.Hostname(parsed.Hostname())
	var ipID string
	if !ok {
		// Literal-address URL.
		if _, isIP := normalize.IPVersion(parsed.Hostname()); !isIP {
			return nil
		}
		ip, err := s.addAddress(ctx, u, parsed.Hostname())
		if err != nil || ip == nil {
			return err
		}
		ipID = ip.ID
	} else {
		host, err := s.addHost(ctx, u, hostname, rec.Source)
		if err != nil || host == nil {
			return err
		}
		links, err := u.HostIPs().FindMany(ctx, store.Filters{"host_id": host.ID}, store.FindOpts{Limit: 1})
		if err != nil {
			return err
		}
		if len(links) == 0 {
			return nil
		}
		ipID = links[0].IPID
	}

	port, _ := strconv.Atoi(parsed.Port())
	if port == 0 {
		port = defaultPort(parsed.Scheme)
	}
	svc := &store.Service{
		ID:        uuid.NewString(),
		IPID:      ipID,
		Port:      port,
		Scheme:    parsed.Scheme,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	created, err := u.Services().GetOrCreateWithTech(ctx, svc, nil)
	if err != nil {
		return err
	}
	if created {
		s.result.created("services")
	}
	return s.attachURL(ctx, u, rec, svc)
}

// attachURL records the endpoint and its query parameters under svc.
func (s *session) attachURL(ctx context.Context, u *store.UnitOfWork, rec tools.URLRecord, svc *store.Service) error {
	parsed, err := url.Parse(rec.RawURL)
	if err != nil {
		return nil
	}

	pathWithQuery := parsed.EscapedPath()
	if pathWithQuery == "" {
		pathWithQuery = "/"
	}
	if parsed.RawQuery != "" {
		pathWithQuery += "?" + parsed.RawQuery
	}

	var hostID string
	if hostname, ok := normalize.Hostname(parsed.Hostname()); ok {
		host, err := u.Hosts().GetBy(ctx, store.Filters{
			"program_id": s.program.ID, "hostname": hostname,
		})
		switch {
		case err == nil:
			hostID = host.ID
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	endpoint := &store.Endpoint{
		ID:          uuid.NewString(),
		ServiceID:   svc.ID,
		HostID:      hostID,
		Path:        pathWithQuery,
		Method:      rec.Method,
		StatusCode:  rec.StatusCode,
		ContentType: rec.ContentType,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	created, err := u.Endpoints().UpsertWithMethod(ctx, endpoint)
	if err != nil {
		return err
	}
	if created {
		s.result.created("endpoints")
	}

	for _, name := range normalize.QueryParamNames(parsed.RawQuery) {
		param := &store.InputParameter{
			EndpointID: endpoint.ID,
			Name:       name,
			Location:   "query",
		}
		paramCreated, err := u.InputParameters().Observe(ctx, param)
		if err != nil {
			return err
		}
		if paramCreated {
			s.result.created("input_parameters")
		}
	}
	return nil
}

// addTLSCert harvests certificate names. SANs become hosts scored with
// the certificate signal; they frequently reveal sibling apexes.
func (s *session) addTLSCert(ctx context.Context, u *store.UnitOfWork, rec tools.TLSCert) error {
	if _, err := s.addHost(ctx, u, rec.Hostname, "tlsx"); err != nil {
		return err
	}

	names := append([]string{rec.SubjectCN}, rec.SANs...)
	for _, name := range names {
		name = strings.TrimPrefix(name, "*.")
		if name == "" {
			continue
		}
		if _, err := s.addHost(ctx, u, name, "san", scope.SignalSANCert); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) addTakeover(ctx context.Context, u *store.UnitOfWork, rec tools.Takeover) error {
	host, err := s.addHost(ctx, u, rec.Hostname, "subjack")
	if err != nil || host == nil {
		return err
	}

	title := fmt.Sprintf("possible subdomain takeover via %s: %s", rec.Service, rec.Hostname)
	_, err = u.Findings().GetBy(ctx, store.Filters{"program_id": s.program.ID, "title": title})
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	finding := &store.Finding{
		ID:        uuid.NewString(),
		ProgramID: s.program.ID,
		Title:     title,
		Severity:  "high",
		Evidence:  fmt.Sprintf("dangling CNAME to %s service", rec.Service),
		CreatedAt: time.Now().UTC(),
	}
	if err := u.Findings().Create(ctx, finding); err != nil {
		return err
	}
	s.result.created("findings")
	return nil
}

func (s *session) addLeak(ctx context.Context, u *store.UnitOfWork, rec tools.LeakRecord) error {
	leak := &store.Leak{
		ID:        uuid.NewString(),
		ProgramID: s.program.ID,
		Kind:      rec.LeakKind,
		Value:     rec.Value,
		Source:    rec.Source,
		CreatedAt: time.Now().UTC(),
	}
	created, err := u.Leaks().GetOrCreate(ctx, leak, store.Filters{
		"program_id": s.program.ID, "kind": rec.LeakKind, "value": rec.Value,
	})
	if err != nil {
		return err
	}
	if created {
		s.result.created("leaks")
	}
	return nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https":
		return 443
	default:
		return 80
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

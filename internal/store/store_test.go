package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "recon.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProgram(t *testing.T, s *Store, name string) *Program {
	t.Helper()
	p := NewProgram(name, "hackerone")
	if err := s.Repos().Programs().Create(context.Background(), p); err != nil {
		t.Fatalf("create program: %v", err)
	}
	return p
}

// seedService creates program -> ip -> service and returns the service.
func seedService(t *testing.T, s *Store, programName string) (*Program, *Service) {
	t.Helper()
	ctx := context.Background()
	p := seedProgram(t, s, programName)
	ip, _, err := s.Repos().IPAddresses().GetOrCreateByAddress(ctx, p.ID, "203.0.113.10")
	if err != nil {
		t.Fatalf("create ip: %v", err)
	}
	svc := &Service{
		ID: "svc-1", IPID: ip.ID, Port: 443, Scheme: "https",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.Repos().Services().Create(ctx, svc); err != nil {
		t.Fatalf("create service: %v", err)
	}
	return p, svc
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{
		"programs", "scope_rules", "root_inputs", "hosts", "ip_addresses",
		"host_ips", "services", "endpoints", "input_parameters", "headers",
		"raw_bodies", "dns_records", "scanner_templates", "scanner_executions",
		"payloads", "findings", "leaks",
	} {
		if !tableExists(s.db, table) {
			t.Errorf("table %s missing", table)
		}
	}

	// Migrated columns must exist on a fresh database too.
	for _, tc := range []struct{ table, column string }{
		{"hosts", "cname_chain"},
		{"services", "favicon_hash"},
		{"services", "websocket"},
		{"dns_records", "priority"},
	} {
		if !columnExists(s.db, tc.table, tc.column) {
			t.Errorf("column %s.%s missing", tc.table, tc.column)
		}
	}

	var views int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='view'").Scan(&views); err != nil {
		t.Fatalf("count views: %v", err)
	}
	if views == 0 {
		t.Error("no views created")
	}
}

func TestProgramCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()

	p := seedProgram(t, s, "acme")

	got, err := repos.Programs().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "acme" || got.Platform != "hackerone" {
		t.Errorf("got %+v", got)
	}

	byName, err := repos.Programs().GetByName(ctx, "acme")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if byName.ID != p.ID {
		t.Errorf("GetByName id = %s, want %s", byName.ID, p.ID)
	}

	if err := repos.Programs().Update(ctx, p.ID, map[string]any{"platform": "bugcrowd"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = repos.Programs().Get(ctx, p.ID)
	if got.Platform != "bugcrowd" {
		t.Errorf("platform = %s after update", got.Platform)
	}
	if !got.UpdatedAt.After(p.UpdatedAt) {
		t.Error("updated_at not refreshed")
	}

	if err := repos.Programs().Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repos.Programs().Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := repos.Programs().Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestUniqueViolationIsErrConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedProgram(t, s, "acme")
	err := s.Repos().Programs().Create(ctx, NewProgram("acme", ""))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create = %v, want ErrConflict", err)
	}
}

func TestCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()

	p := seedProgram(t, s, "acme")
	h, _, err := repos.Hosts().GetOrCreateByName(ctx, p.ID, "www.acme.example")
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	rec := &DNSRecord{
		ID: "rec-1", HostID: h.ID, RecordType: "A", Value: "203.0.113.5",
		CreatedAt: time.Now().UTC(),
	}
	if err := repos.DNSRecords().Create(ctx, rec); err != nil {
		t.Fatalf("dns record: %v", err)
	}

	if err := repos.Programs().Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete program: %v", err)
	}

	if n, _ := repos.Hosts().Count(ctx, nil); n != 0 {
		t.Errorf("hosts after cascade = %d", n)
	}
	if n, _ := repos.DNSRecords().Count(ctx, nil); n != 0 {
		t.Errorf("dns_records after cascade = %d", n)
	}
}

func TestGetOrCreateHostIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()
	p := seedProgram(t, s, "acme")

	first, created, err := repos.Hosts().GetOrCreateByName(ctx, p.ID, "api.acme.example")
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}

	// The same subdomain reported by a second tool resolves to the same
	// row instead of erroring or duplicating.
	second, created, err := repos.Hosts().GetOrCreateByName(ctx, p.ID, "api.acme.example")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if created {
		t.Error("second sighting reported created=true")
	}
	if second.ID != first.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}

	// Same hostname under another program is a distinct asset.
	p2 := seedProgram(t, s, "other")
	third, created, err := repos.Hosts().GetOrCreateByName(ctx, p2.ID, "api.acme.example")
	if err != nil || !created {
		t.Fatalf("third: created=%v err=%v", created, err)
	}
	if third.ID == first.ID {
		t.Error("host rows shared across programs")
	}
}

func TestGetOrCreateWithTechMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, svc := seedService(t, s, "acme")
	services := s.Repos().Services()

	// First probe sees nginx with no version, a bare presence.
	probe := &Service{
		ID: svc.ID, IPID: svc.IPID, Port: svc.Port,
		CreatedAt: svc.CreatedAt, UpdatedAt: svc.UpdatedAt,
	}
	created, err := services.GetOrCreateWithTech(ctx, probe, map[string]any{"nginx": true})
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if created {
		t.Error("existing service reported created")
	}

	// Second probe adds php; nginx must survive.
	probe2 := &Service{IPID: svc.IPID, Port: svc.Port}
	if _, err := services.GetOrCreateWithTech(ctx, probe2, map[string]any{"php": "8.2"}); err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if probe2.ID != svc.ID {
		t.Errorf("merge resolved to %s, want %s", probe2.ID, svc.ID)
	}
	want := map[string]any{"nginx": true, "php": "8.2"}
	if len(probe2.Technologies) != len(want) {
		t.Fatalf("technologies = %v, want %v", probe2.Technologies, want)
	}
	for k, v := range want {
		if got, ok := probe2.Technologies[k]; !ok || got != v {
			t.Errorf("technologies[%s] = %v ok=%v, want %v", k, got, ok, v)
		}
	}

	// A version upgrade overrides, but a bare sighting never erases one.
	probe3 := &Service{IPID: svc.IPID, Port: svc.Port}
	if _, err := services.GetOrCreateWithTech(ctx, probe3, map[string]any{"php": "8.3", "nginx": true}); err != nil {
		t.Fatalf("third merge: %v", err)
	}
	if probe3.Technologies["php"] != "8.3" {
		t.Errorf("php = %v, want 8.3", probe3.Technologies["php"])
	}
	probe4 := &Service{IPID: svc.IPID, Port: svc.Port}
	if _, err := services.GetOrCreateWithTech(ctx, probe4, map[string]any{"php": true}); err != nil {
		t.Fatalf("fourth merge: %v", err)
	}
	if probe4.Technologies["php"] != "8.3" {
		t.Errorf("bare sighting erased php: %v", probe4.Technologies["php"])
	}
	probe5 := &Service{IPID: svc.IPID, Port: svc.Port}
	if _, err := services.GetOrCreateWithTech(ctx, probe5, map[string]any{"php": ""}); err != nil {
		t.Fatalf("fifth merge: %v", err)
	}
	if probe5.Technologies["php"] != "8.3" {
		t.Errorf("empty version erased php: %v", probe5.Technologies["php"])
	}

	// New service on an unseen port is created with its tech set.
	fresh := &Service{IPID: svc.IPID, Port: 8080}
	fresh.ID = "svc-2"
	fresh.CreatedAt = time.Now().UTC()
	fresh.UpdatedAt = fresh.CreatedAt
	created, err = services.GetOrCreateWithTech(ctx, fresh, map[string]any{"tomcat": "9"})
	if err != nil || !created {
		t.Fatalf("fresh: created=%v err=%v", created, err)
	}
	if fresh.Technologies["tomcat"] != "9" {
		t.Errorf("fresh technologies = %v", fresh.Technologies)
	}
}

func TestUpsertWithMethodCollapsesIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, svc := seedService(t, s, "acme")
	endpoints := s.Repos().Endpoints()

	mk := func(path, method string, status int) *Endpoint {
		return &Endpoint{
			ID: fmt.Sprintf("ep-%s-%s", method, path), ServiceID: svc.ID,
			Path: path, Method: method, StatusCode: status,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
	}

	// Two concrete user IDs collapse into one templated row.
	first := mk("/users/123/profile", "GET", 200)
	created, err := endpoints.UpsertWithMethod(ctx, first)
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	if first.NormalizedPath != "/users/{id}/profile" {
		t.Fatalf("normalized = %q", first.NormalizedPath)
	}

	second := mk("/users/456/profile", "GET", 200)
	created, err = endpoints.UpsertWithMethod(ctx, second)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if created {
		t.Error("sibling ID reported as new endpoint")
	}
	if second.ID != first.ID {
		t.Errorf("rows differ: %s vs %s", second.ID, first.ID)
	}
	// Raw path reflects the latest observation.
	if second.Path != "/users/456/profile" {
		t.Errorf("path = %q", second.Path)
	}

	// A different method on the same path is its own row.
	post := mk("/users/789/profile", "post", 0)
	created, err = endpoints.UpsertWithMethod(ctx, post)
	if err != nil || !created {
		t.Fatalf("post: created=%v err=%v", created, err)
	}
	if post.Method != "POST" {
		t.Errorf("method = %q, want POST", post.Method)
	}

	methods, err := endpoints.Methods(ctx, svc.ID, "/users/{id}/profile")
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	if len(methods) != 2 || methods[0] != "GET" || methods[1] != "POST" {
		t.Errorf("methods = %v", methods)
	}
}

func TestUpsertWithMethodKeepsKnownValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, svc := seedService(t, s, "acme")
	endpoints := s.Repos().Endpoints()

	probed := &Endpoint{
		ID: "ep-1", ServiceID: svc.ID, Path: "/login", Method: "GET",
		StatusCode: 200, ContentType: "text/html",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if _, err := endpoints.UpsertWithMethod(ctx, probed); err != nil {
		t.Fatalf("probed: %v", err)
	}

	// A later sighting without probe data must not erase the status.
	sighting := &Endpoint{
		ID: "ep-2", ServiceID: svc.ID, Path: "/login", Method: "GET",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if _, err := endpoints.UpsertWithMethod(ctx, sighting); err != nil {
		t.Fatalf("sighting: %v", err)
	}
	if sighting.StatusCode != 200 || sighting.ContentType != "text/html" {
		t.Errorf("probe data lost: status=%d type=%q", sighting.StatusCode, sighting.ContentType)
	}

	// A fresh probe overrides.
	reprobe := &Endpoint{
		ID: "ep-3", ServiceID: svc.ID, Path: "/login", Method: "GET", StatusCode: 302,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if _, err := endpoints.UpsertWithMethod(ctx, reprobe); err != nil {
		t.Fatalf("reprobe: %v", err)
	}
	if reprobe.StatusCode != 302 {
		t.Errorf("status = %d, want 302", reprobe.StatusCode)
	}
}

func TestFindManyFiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()
	p := seedProgram(t, s, "acme")

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("h%d.acme.example", i)
		if _, _, err := repos.Hosts().GetOrCreateByName(ctx, p.ID, name); err != nil {
			t.Fatalf("host %d: %v", i, err)
		}
	}

	all, err := repos.Hosts().FindMany(ctx, Filters{"program_id": p.ID}, FindOpts{})
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d", len(all))
	}
	// Insertion order by default.
	if all[0].Hostname != "h0.acme.example" || all[4].Hostname != "h4.acme.example" {
		t.Errorf("order: first=%s last=%s", all[0].Hostname, all[4].Hostname)
	}

	page, err := repos.Hosts().FindMany(ctx, Filters{"program_id": p.ID},
		FindOpts{Limit: 2, Offset: 2, OrderBy: "hostname"})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].Hostname != "h2.acme.example" {
		t.Errorf("page = %v", page)
	}

	desc, err := repos.Hosts().FindMany(ctx, nil, FindOpts{OrderBy: "hostname DESC", Limit: 1})
	if err != nil {
		t.Fatalf("desc: %v", err)
	}
	if len(desc) != 1 || desc[0].Hostname != "h4.acme.example" {
		t.Errorf("desc = %v", desc)
	}

	n, err := repos.Hosts().Count(ctx, Filters{"program_id": p.ID})
	if err != nil || n != 5 {
		t.Errorf("Count = %d, %v", n, err)
	}

	// Unknown columns are rejected, not interpolated.
	if _, err := repos.Hosts().FindMany(ctx, Filters{"no_such_col": 1}, FindOpts{}); err == nil {
		t.Error("bad filter column accepted")
	}
	if _, err := repos.Hosts().FindMany(ctx, nil, FindOpts{OrderBy: "hostname; DROP TABLE hosts"}); err == nil {
		t.Error("bad order by accepted")
	}
}

func TestBulkCreateAndBulkUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()
	p := seedProgram(t, s, "acme")

	var hosts []*Host
	for i := 0; i < 10; i++ {
		hosts = append(hosts, NewHost(p.ID, fmt.Sprintf("b%d.acme.example", i)))
	}
	if err := repos.Hosts().BulkCreate(ctx, hosts); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if n, _ := repos.Hosts().Count(ctx, nil); n != 10 {
		t.Fatalf("count = %d", n)
	}

	// Re-upserting 10 known plus 2 new reports 2 created.
	batch := append([]*Host{}, hosts...)
	batch = append(batch, NewHost(p.ID, "new1.acme.example"), NewHost(p.ID, "new2.acme.example"))
	createdCount, err := repos.Hosts().BulkUpsert(ctx, batch, []string{"program_id", "hostname"})
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if createdCount != 2 {
		t.Errorf("created = %d, want 2", createdCount)
	}
	if n, _ := repos.Hosts().Count(ctx, nil); n != 12 {
		t.Errorf("count = %d, want 12", n)
	}
}

func TestRawBodyDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, svc := seedService(t, s, "acme")

	ep := &Endpoint{
		ID: "ep-1", ServiceID: svc.ID, Path: "/", Method: "GET",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if _, err := s.Repos().Endpoints().UpsertWithMethod(ctx, ep); err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	bodies := s.Repos().RawBodies()
	_, created, err := bodies.CreateIfNew(ctx, ep.ID, []byte("<html>hello</html>"))
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	_, created, err = bodies.CreateIfNew(ctx, ep.ID, []byte("<html>hello</html>"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if created {
		t.Error("identical body stored twice")
	}
	_, created, err = bodies.CreateIfNew(ctx, ep.ID, []byte("<html>changed</html>"))
	if err != nil || !created {
		t.Fatalf("third: created=%v err=%v", created, err)
	}
	if n, _ := bodies.Count(ctx, Filters{"endpoint_id": ep.ID}); n != 2 {
		t.Errorf("bodies = %d, want 2", n)
	}
}

func TestHostIPLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()
	p := seedProgram(t, s, "acme")

	h, _, err := repos.Hosts().GetOrCreateByName(ctx, p.ID, "www.acme.example")
	if err != nil {
		t.Fatal(err)
	}
	ip, _, err := repos.IPAddresses().GetOrCreateByAddress(ctx, p.ID, "2001:db8::1")
	if err != nil {
		t.Fatal(err)
	}
	if ip.Version != "v6" {
		t.Errorf("version = %s", ip.Version)
	}

	created, err := repos.HostIPs().Link(ctx, h.ID, ip.ID, IPSourceDNS)
	if err != nil || !created {
		t.Fatalf("link: created=%v err=%v", created, err)
	}
	created, err = repos.HostIPs().Link(ctx, h.ID, ip.ID, IPSourcePTR)
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if created {
		t.Error("relink created a second row")
	}
	link, err := repos.HostIPs().GetBy(ctx, Filters{"host_id": h.ID, "ip_id": ip.ID})
	if err != nil {
		t.Fatal(err)
	}
	if link.Source != IPSourceDNS {
		t.Errorf("source = %s, want original %s", link.Source, IPSourceDNS)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()
	p := seedProgram(t, s, "acme")

	exec := &ScannerExecution{
		ID: "ex-1", ProgramID: p.ID, Tool: "subfinder", Target: "acme.example",
		CreatedAt: time.Now().UTC(),
	}
	if err := repos.ScannerExecutions().Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := repos.ScannerExecutions().Get(ctx, exec.ID)
	if got.Status != ExecPending || got.StartedAt != nil {
		t.Errorf("fresh execution: %+v", got)
	}

	if err := repos.ScannerExecutions().MarkRunning(ctx, exec.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := repos.ScannerExecutions().MarkFinished(ctx, exec.ID, ExecFailed, "exit status 2"); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}
	got, _ = repos.ScannerExecutions().Get(ctx, exec.ID)
	if got.Status != ExecFailed || got.Error != "exit status 2" {
		t.Errorf("finished execution: %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not set")
	}
}

func TestUnitOfWorkCommitAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Rolled-back writes never become visible.
	u, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Programs().Create(ctx, NewProgram("ghost", "")); err != nil {
		t.Fatal(err)
	}
	if err := u.Rollback(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Repos().Programs().GetByName(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back program visible: %v", err)
	}

	// WithUnit commits on nil error.
	err = s.WithUnit(ctx, func(u *UnitOfWork) error {
		return u.Programs().Create(ctx, NewProgram("real", ""))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Repos().Programs().GetByName(ctx, "real"); err != nil {
		t.Errorf("committed program missing: %v", err)
	}

	// WithUnit rolls back on error return.
	boom := errors.New("boom")
	err = s.WithUnit(ctx, func(u *UnitOfWork) error {
		if err := u.Programs().Create(ctx, NewProgram("doomed", "")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithUnit err = %v", err)
	}
	if _, err := s.Repos().Programs().GetByName(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed unit's program visible: %v", err)
	}
}

func TestSavepointBatchRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProgram(t, s, "acme")

	// Three batches in one transaction. The second fails its savepoint and
	// is rolled back alone; the first and third survive the commit.
	err := s.WithUnit(ctx, func(u *UnitOfWork) error {
		batches := [][]string{
			{"a1.acme.example", "a2.acme.example"},
			{"b1.acme.example", "b1.acme.example"}, // duplicate in batch
			{"c1.acme.example", "c2.acme.example"},
		}
		for i, batch := range batches {
			sp := fmt.Sprintf("batch_%d", i)
			if err := u.Save(ctx, sp); err != nil {
				return err
			}
			batchErr := func() error {
				for _, name := range batch {
					h := NewHost(p.ID, name)
					if err := u.Hosts().Create(ctx, h); err != nil {
						return err
					}
				}
				return nil
			}()
			if batchErr != nil {
				if !errors.Is(batchErr, ErrConflict) {
					return batchErr
				}
				if err := u.RollbackTo(ctx, sp); err != nil {
					return err
				}
			}
			if err := u.Release(ctx, sp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithUnit: %v", err)
	}

	hosts, err := s.Repos().Hosts().FindMany(ctx, Filters{"program_id": p.ID}, FindOpts{OrderBy: "hostname"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, h := range hosts {
		names = append(names, h.Hostname)
	}
	want := []string{"a1.acme.example", "a2.acme.example", "c1.acme.example", "c2.acme.example"}
	if len(names) != len(want) {
		t.Fatalf("hosts = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("hosts[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestSavepointNameValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Rollback()

	for _, bad := range []string{"", "1batch", "batch-1", "batch 1; DROP TABLE hosts"} {
		if err := u.Save(ctx, bad); err == nil {
			t.Errorf("Save(%q) accepted", bad)
		}
	}
	if err := u.Save(ctx, "batch_0"); err != nil {
		t.Errorf("Save(batch_0): %v", err)
	}
}

func TestCNAMEChainRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repos := s.Repos()
	p := seedProgram(t, s, "acme")

	h := NewHost(p.ID, "shop.acme.example")
	h.CNAMEChain = []string{"shop.acme.example", "acme.myshopify.com"}
	if err := repos.Hosts().Create(ctx, h); err != nil {
		t.Fatal(err)
	}
	got, err := repos.Hosts().Get(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.CNAMEChain) != 2 || got.CNAMEChain[1] != "acme.myshopify.com" {
		t.Errorf("chain = %v", got.CNAMEChain)
	}
}

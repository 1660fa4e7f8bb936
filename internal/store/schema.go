package store

import "fmt"

// initialize creates the base tables, applies column migrations, then
// creates the indexes and views that depend on migrated columns.
func (s *Store) initialize() error {
	programsTable := `
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		platform TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	scopeRulesTable := `
	CREATE TABLE IF NOT EXISTS scope_rules (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		kind TEXT NOT NULL CHECK (kind IN ('domain','wildcard','regex','cidr')),
		pattern TEXT NOT NULL,
		action TEXT NOT NULL CHECK (action IN ('include','exclude')),
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scope_rules_program ON scope_rules(program_id);
	`

	rootInputsTable := `
	CREATE TABLE IF NOT EXISTS root_inputs (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		value TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('domain','ip','url')),
		created_at DATETIME NOT NULL,
		UNIQUE(program_id, value)
	);
	`

	hostsTable := `
	CREATE TABLE IF NOT EXISTS hosts (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		hostname TEXT NOT NULL,
		in_scope BOOLEAN NOT NULL DEFAULT 1,
		source TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(program_id, hostname)
	);
	CREATE INDEX IF NOT EXISTS idx_hosts_program ON hosts(program_id);
	CREATE INDEX IF NOT EXISTS idx_hosts_hostname ON hosts(hostname);
	`

	ipAddressesTable := `
	CREATE TABLE IF NOT EXISTS ip_addresses (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		address TEXT NOT NULL,
		version TEXT NOT NULL CHECK (version IN ('v4','v6')),
		in_scope BOOLEAN NOT NULL DEFAULT 1,
		asn TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(program_id, address)
	);
	CREATE INDEX IF NOT EXISTS idx_ips_program ON ip_addresses(program_id);
	`

	hostIPsTable := `
	CREATE TABLE IF NOT EXISTS host_ips (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		ip_id TEXT NOT NULL REFERENCES ip_addresses(id) ON DELETE CASCADE,
		source TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(host_id, ip_id)
	);
	CREATE INDEX IF NOT EXISTS idx_host_ips_ip ON host_ips(ip_id);
	`

	servicesTable := `
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		ip_id TEXT NOT NULL REFERENCES ip_addresses(id) ON DELETE CASCADE,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'tcp',
		scheme TEXT,
		banner TEXT,
		technologies TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(ip_id, port)
	);
	CREATE INDEX IF NOT EXISTS idx_services_ip ON services(ip_id);
	`

	endpointsTable := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		host_id TEXT REFERENCES hosts(id) ON DELETE CASCADE,
		service_id TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		normalized_path TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'GET',
		status_code INTEGER,
		content_type TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(service_id, normalized_path, method)
	);
	CREATE INDEX IF NOT EXISTS idx_endpoints_host ON endpoints(host_id);
	CREATE INDEX IF NOT EXISTS idx_endpoints_service ON endpoints(service_id);
	`

	inputParametersTable := `
	CREATE TABLE IF NOT EXISTS input_parameters (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		location TEXT NOT NULL CHECK (location IN ('query','body','header','cookie','path')),
		param_type TEXT,
		reflected BOOLEAN NOT NULL DEFAULT 0,
		is_array BOOLEAN NOT NULL DEFAULT 0,
		example TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(endpoint_id, name, location)
	);
	`

	headersTable := `
	CREATE TABLE IF NOT EXISTS headers (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		value TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(endpoint_id, name)
	);
	`

	rawBodiesTable := `
	CREATE TABLE IF NOT EXISTS raw_bodies (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
		content BLOB,
		sha256 TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(endpoint_id, sha256)
	);
	`

	dnsRecordsTable := `
	CREATE TABLE IF NOT EXISTS dns_records (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		record_type TEXT NOT NULL CHECK (record_type IN ('A','AAAA','CNAME','MX','TXT','NS','SOA','PTR')),
		value TEXT NOT NULL,
		ttl INTEGER,
		is_wildcard BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(host_id, record_type, value)
	);
	CREATE INDEX IF NOT EXISTS idx_dns_records_host ON dns_records(host_id);
	CREATE INDEX IF NOT EXISTS idx_dns_records_type ON dns_records(record_type);
	`

	scannerTemplatesTable := `
	CREATE TABLE IF NOT EXISTS scanner_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		category TEXT,
		severity TEXT,
		raw TEXT,
		created_at DATETIME NOT NULL
	);
	`

	scannerExecutionsTable := `
	CREATE TABLE IF NOT EXISTS scanner_executions (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		template_id TEXT REFERENCES scanner_templates(id) ON DELETE SET NULL,
		tool TEXT NOT NULL,
		target TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','running','completed','failed','cancelled')),
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_program ON scanner_executions(program_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON scanner_executions(status);
	`

	payloadsTable := `
	CREATE TABLE IF NOT EXISTS payloads (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		description TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(category, content)
	);
	`

	findingsTable := `
	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		endpoint_id TEXT REFERENCES endpoints(id) ON DELETE SET NULL,
		execution_id TEXT REFERENCES scanner_executions(id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		severity TEXT,
		evidence TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_findings_program ON findings(program_id);
	`

	leaksTable := `
	CREATE TABLE IF NOT EXISTS leaks (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		source TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(program_id, kind, value)
	);
	`

	for _, table := range []string{
		programsTable,
		scopeRulesTable,
		rootInputsTable,
		hostsTable,
		ipAddressesTable,
		hostIPsTable,
		servicesTable,
		endpointsTable,
		inputParametersTable,
		headersTable,
		rawBodiesTable,
		dnsRecordsTable,
		scannerTemplatesTable,
		scannerExecutionsTable,
		payloadsTable,
		findingsTable,
		leaksTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Adds columns introduced after the base schema shipped.
	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := s.createViews(); err != nil {
		return fmt.Errorf("failed to create views: %w", err)
	}

	return nil
}

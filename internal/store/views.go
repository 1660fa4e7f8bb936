package store

// Read-only views consumed by the reporting layer. Two takeover views
// exist on purpose: the fingerprint view flags known-vulnerable CNAME
// targets, the dangling view flags CNAMEs that no longer resolve. They
// answer different questions and are not interchangeable.
func (s *Store) createViews() error {
	views := []string{
		`CREATE VIEW IF NOT EXISTS host_services_view AS
		SELECT h.id AS host_id, h.hostname, h.program_id, h.in_scope,
		       ip.address, s.id AS service_id, s.port, s.scheme, s.technologies
		FROM hosts h
		JOIN host_ips hi ON hi.host_id = h.id
		JOIN ip_addresses ip ON ip.id = hi.ip_id
		JOIN services s ON s.ip_id = ip.id`,

		`CREATE VIEW IF NOT EXISTS host_full_stats AS
		SELECT h.id AS host_id, h.hostname, h.program_id, h.in_scope,
		       (SELECT COUNT(*) FROM host_ips hi WHERE hi.host_id = h.id) AS ip_count,
		       (SELECT COUNT(*) FROM host_ips hi
		          JOIN services s ON s.ip_id = hi.ip_id
		         WHERE hi.host_id = h.id) AS service_count,
		       (SELECT COUNT(*) FROM endpoints e WHERE e.host_id = h.id) AS endpoint_count,
		       (SELECT COUNT(*) FROM dns_records d WHERE d.host_id = h.id) AS dns_record_count
		FROM hosts h`,

		`CREATE VIEW IF NOT EXISTS endpoints_with_body AS
		SELECT e.id AS endpoint_id, e.service_id, e.host_id, e.path,
		       e.normalized_path, e.method, e.status_code,
		       b.sha256 AS body_sha256, LENGTH(b.content) AS body_size
		FROM endpoints e
		JOIN raw_bodies b ON b.endpoint_id = e.id`,

		`CREATE VIEW IF NOT EXISTS endpoint_full_details AS
		SELECT e.id AS endpoint_id, e.path, e.normalized_path, e.method,
		       e.status_code, h.hostname, ip.address, s.port, s.scheme,
		       (SELECT COUNT(*) FROM input_parameters p WHERE p.endpoint_id = e.id) AS parameter_count,
		       (SELECT COUNT(*) FROM headers hd WHERE hd.endpoint_id = e.id) AS header_count
		FROM endpoints e
		JOIN services s ON s.id = e.service_id
		JOIN ip_addresses ip ON ip.id = s.ip_id
		LEFT JOIN hosts h ON h.id = e.host_id`,

		`CREATE VIEW IF NOT EXISTS program_stats AS
		SELECT p.id AS program_id, p.name,
		       (SELECT COUNT(*) FROM hosts h WHERE h.program_id = p.id) AS host_count,
		       (SELECT COUNT(*) FROM hosts h WHERE h.program_id = p.id AND h.in_scope = 1) AS in_scope_host_count,
		       (SELECT COUNT(*) FROM ip_addresses ip WHERE ip.program_id = p.id) AS ip_count,
		       (SELECT COUNT(*) FROM ip_addresses ip
		          JOIN services s ON s.ip_id = ip.id
		         WHERE ip.program_id = p.id) AS service_count,
		       (SELECT COUNT(*) FROM hosts h
		          JOIN endpoints e ON e.host_id = h.id
		         WHERE h.program_id = p.id) AS endpoint_count,
		       (SELECT COUNT(*) FROM findings f WHERE f.program_id = p.id) AS finding_count
		FROM programs p`,

		`CREATE VIEW IF NOT EXISTS v_subdomain_takeover_candidates AS
		SELECT h.id AS host_id, h.hostname, h.program_id, d.value AS cname_target
		FROM hosts h
		JOIN dns_records d ON d.host_id = h.id AND d.record_type = 'CNAME'
		WHERE d.value LIKE '%github.io%'
		   OR d.value LIKE '%herokuapp.com%'
		   OR d.value LIKE '%s3.amazonaws.com%'
		   OR d.value LIKE '%azurewebsites.net%'
		   OR d.value LIKE '%cloudfront.net%'
		   OR d.value LIKE '%fastly.net%'
		   OR d.value LIKE '%ghost.io%'
		   OR d.value LIKE '%surge.sh%'`,

		`CREATE VIEW IF NOT EXISTS v_subdomain_takeover_dangling AS
		SELECT h.id AS host_id, h.hostname, h.program_id, d.value AS cname_target
		FROM hosts h
		JOIN dns_records d ON d.host_id = h.id AND d.record_type = 'CNAME'
		WHERE NOT EXISTS (
			SELECT 1 FROM dns_records a
			WHERE a.host_id = h.id AND a.record_type IN ('A','AAAA')
		)`,

		`CREATE VIEW IF NOT EXISTS v_email_security_analysis AS
		SELECT h.id AS host_id, h.hostname, h.program_id,
		       MAX(CASE WHEN d.value LIKE 'v=spf1%' THEN 1 ELSE 0 END) AS has_spf,
		       MAX(CASE WHEN d.value LIKE 'v=DMARC1%' THEN 1 ELSE 0 END) AS has_dmarc,
		       COUNT(CASE WHEN d.record_type = 'MX' THEN 1 END) AS mx_count
		FROM hosts h
		LEFT JOIN dns_records d ON d.host_id = h.id AND d.record_type IN ('TXT','MX')
		GROUP BY h.id, h.hostname, h.program_id`,

		`CREATE VIEW IF NOT EXISTS v_infrastructure_mapping AS
		SELECT p.name AS program, h.hostname, ip.address, ip.version,
		       s.port, s.scheme, hi.source AS resolution_source
		FROM programs p
		JOIN hosts h ON h.program_id = p.id
		JOIN host_ips hi ON hi.host_id = h.id
		JOIN ip_addresses ip ON ip.id = hi.ip_id
		LEFT JOIN services s ON s.ip_id = ip.id`,

		`CREATE VIEW IF NOT EXISTS v_dns_summary_by_program AS
		SELECT h.program_id, d.record_type, COUNT(*) AS record_count,
		       SUM(CASE WHEN d.is_wildcard = 1 THEN 1 ELSE 0 END) AS wildcard_count
		FROM dns_records d
		JOIN hosts h ON h.id = d.host_id
		GROUP BY h.program_id, d.record_type`,

		`CREATE VIEW IF NOT EXISTS v_wildcard_dns AS
		SELECT h.program_id, h.hostname, d.record_type, d.value
		FROM dns_records d
		JOIN hosts h ON h.id = d.host_id
		WHERE d.is_wildcard = 1`,
	}

	for _, v := range views {
		if _, err := s.db.Exec(v); err != nil {
			return err
		}
	}
	return nil
}

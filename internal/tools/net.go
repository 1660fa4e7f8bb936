package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"reconduit/internal/normalize"
)

func registerNetTools(r *Registry) {
	r.MustRegister(naabuSpec())
	r.MustRegister(smapSpec())
	r.MustRegister(mapcidrSpec())
	r.MustRegister(asnmapSpec())
	r.MustRegister(tlsxSpec())
	r.MustRegister(hakip2hostSpec())
}

type naabuLine struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Host     string `json:"host"`
	Protocol string `json:"protocol"`
}

// naabu scans targets from stdin for open ports.
func naabuSpec() *Spec {
	return &Spec{
		Name:     "naabu",
		Binary:   "naabu",
		Category: CategoryPorts,
		Priority: 80,
		Args: func(_ string, opts RunOpts) []string {
			args := []string{"-silent", "-json"}
			if opts.RateLimit > 0 {
				args = append(args, "-rate", fmt.Sprint(opts.RateLimit))
			}
			return args
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			var entry naabuLine
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("bad naabu json: %w", err)
			}
			if entry.IP == "" || entry.Port == 0 {
				return nil, fmt.Errorf("naabu line missing ip or port")
			}
			protocol := entry.Protocol
			if protocol == "" {
				protocol = "tcp"
			}
			records := []Record{PortService{
				Address: entry.IP, Hostname: entry.Host, Port: entry.Port, Protocol: protocol,
			}}
			if entry.Host != "" && entry.Host != entry.IP {
				records = append(records, Resolution{Hostname: entry.Host, Address: entry.IP})
			}
			return records, nil
		},
	}
}

// smap queries Shodan's free scan data, so it finds ports without
// touching the target. Greppable output keeps it line-oriented.
func smapSpec() *Spec {
	return &Spec{
		Name:         "smap",
		Binary:       "smap",
		Category:     CategoryPorts,
		Priority:     60,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			return []string{"-oG", "-", target}
		},
		Parse: parseGreppableHost,
	}
}

// parseGreppableHost handles nmap-style greppable lines:
//
//	Host: 1.2.3.4 (name.example)	Ports: 80/open/tcp//http//nginx 1.18/, 443/open/tcp//https///
func parseGreppableHost(line string) ([]Record, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	if !strings.HasPrefix(line, "Host:") {
		return nil, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "Host:"))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, fmt.Errorf("greppable line without address")
	}
	address := fields[0]

	var hostname string
	if len(fields) > 1 && strings.HasPrefix(fields[1], "(") {
		hostname = strings.Trim(fields[1], "()")
	}

	_, portsPart, found := strings.Cut(line, "Ports:")
	if !found {
		return nil, nil
	}

	var records []Record
	for _, entry := range strings.Split(portsPart, ",") {
		entry = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(entry), "/"))
		if entry == "" {
			continue
		}
		// port/state/protocol/owner/service/rpc/version
		parts := strings.Split(entry, "/")
		if len(parts) < 3 {
			return nil, fmt.Errorf("bad port entry %q", entry)
		}
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("bad port %q", parts[0])
		}
		if parts[1] != "open" {
			continue
		}
		svc := PortService{
			Address: address, Hostname: hostname, Port: port, Protocol: parts[2],
		}
		if len(parts) > 4 {
			svc.ServiceName = parts[4]
		}
		if len(parts) > 6 {
			svc.Banner = parts[6]
		}
		records = append(records, svc)
	}
	return records, nil
}

// mapcidr expands CIDRs from stdin into individual addresses.
func mapcidrSpec() *Spec {
	return &Spec{
		Name:     "mapcidr",
		Binary:   "mapcidr",
		Category: CategoryNet,
		Priority: 50,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-silent"}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			if _, ok := normalize.IPVersion(line); !ok {
				return nil, fmt.Errorf("not an address: %q", line)
			}
			return []Record{IPRecord{Address: line}}, nil
		},
	}
}

type asnmapLine struct {
	ASNumber string   `json:"as_number"`
	ASName   string   `json:"as_name"`
	ASRange  []string `json:"as_range"`
}

// asnmap maps inputs from stdin to their autonomous systems and
// announced ranges.
func asnmapSpec() *Spec {
	return &Spec{
		Name:     "asnmap",
		Binary:   "asnmap",
		Category: CategoryNet,
		Priority: 70,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-silent", "-json"}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			var entry asnmapLine
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("bad asnmap json: %w", err)
			}
			if entry.ASNumber == "" {
				return nil, fmt.Errorf("asnmap line without as_number")
			}
			return []Record{ASN{
				Number: entry.ASNumber, Org: entry.ASName, Ranges: entry.ASRange,
			}}, nil
		},
	}
}

type tlsxLine struct {
	Host      string   `json:"host"`
	Port      string   `json:"port"`
	SubjectCN string   `json:"subject_cn"`
	SubjectAN []string `json:"subject_an"`
	IssuerCN  string   `json:"issuer_cn"`
	NotAfter  string   `json:"not_after"`
}

// tlsx grabs certificates from hosts on stdin. SANs feed scope
// confidence scoring, so the adapter keeps them verbatim.
func tlsxSpec() *Spec {
	return &Spec{
		Name:     "tlsx",
		Binary:   "tlsx",
		Category: CategoryNet,
		Priority: 70,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-silent", "-json", "-cn", "-san"}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			var entry tlsxLine
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("bad tlsx json: %w", err)
			}
			if entry.Host == "" {
				return nil, fmt.Errorf("tlsx line without host")
			}
			port, _ := strconv.Atoi(entry.Port)
			return []Record{TLSCert{
				Hostname:  entry.Host,
				Port:      port,
				SubjectCN: entry.SubjectCN,
				SANs:      entry.SubjectAN,
				Issuer:    entry.IssuerCN,
				NotAfter:  entry.NotAfter,
			}}, nil
		},
	}
}

// hakip2host recovers hostnames for addresses on stdin via PTR lookups
// and certificate names. Output shape:
//
//	[DNS-PTR] 203.0.113.5 host.example.com
//	[SSL-SAN] 203.0.113.5 alt.example.com
func hakip2hostSpec() *Spec {
	return &Spec{
		Name:     "hakip2host",
		Binary:   "hakip2host",
		Category: CategoryNet,
		Priority: 40,
		Args: func(_ string, opts RunOpts) []string {
			return nil
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			fields := strings.Fields(line)
			if len(fields) != 3 || !strings.HasPrefix(fields[0], "[") {
				return nil, fmt.Errorf("bad hakip2host line: %q", line)
			}

			var technique string
			switch strings.Trim(fields[0], "[]") {
			case "DNS-PTR":
				technique = "ptr"
			case "SSL-SAN":
				technique = "san"
			case "SSL-CN":
				technique = "cn"
			default:
				return nil, fmt.Errorf("unknown technique %q", fields[0])
			}

			hostname, ok := normalize.Hostname(fields[2])
			if !ok {
				// Certificate names are frequently wildcards or garbage.
				return nil, nil
			}
			return []Record{HostFromIP{
				Address: fields[1], Hostname: hostname, Technique: technique,
			}}, nil
		},
	}
}

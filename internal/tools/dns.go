package tools

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"reconduit/internal/normalize"
)

func registerDNSTools(r *Registry) {
	r.MustRegister(dnsxResolveSpec())
	r.MustRegister(dnsxReconSpec())
	r.MustRegister(dnsxPTRSpec())
}

// dnsxLine is the JSON shape dnsx emits with -json. Only the fields the
// adapters read are declared.
type dnsxLine struct {
	Host  string   `json:"host"`
	A     []string `json:"a"`
	AAAA  []string `json:"aaaa"`
	CNAME []string `json:"cname"`
	MX    []string `json:"mx"`
	TXT   []string `json:"txt"`
	NS    []string `json:"ns"`
	SOA   []string `json:"soa"`
	PTR   []string `json:"ptr"`
}

// dnsx resolves hostnames read from stdin to their addresses.
func dnsxResolveSpec() *Spec {
	return &Spec{
		Name:     "dnsx",
		Binary:   "dnsx",
		Category: CategoryDNS,
		Priority: 80,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-silent", "-a", "-aaaa", "-resp", "-json"}
		},
		Parse: func(line string) ([]Record, error) {
			entry, err := decodeDNSXLine(line)
			if entry == nil || err != nil {
				return nil, err
			}
			var records []Record
			for _, addr := range entry.A {
				records = append(records,
					Resolution{Hostname: entry.Host, Address: addr},
					DNS{Hostname: entry.Host, RecordType: "A", Value: addr})
			}
			for _, addr := range entry.AAAA {
				records = append(records,
					Resolution{Hostname: entry.Host, Address: addr},
					DNS{Hostname: entry.Host, RecordType: "AAAA", Value: addr})
			}
			return records, nil
		},
	}
}

// dnsx-recon collects the wider record set used for takeover and mail
// security analysis.
func dnsxReconSpec() *Spec {
	return &Spec{
		Name:     "dnsx-recon",
		Binary:   "dnsx",
		Category: CategoryDNS,
		Priority: 60,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-silent", "-cname", "-mx", "-txt", "-ns", "-soa", "-resp", "-json"}
		},
		Parse: func(line string) ([]Record, error) {
			entry, err := decodeDNSXLine(line)
			if entry == nil || err != nil {
				return nil, err
			}
			var records []Record
			for _, v := range entry.CNAME {
				records = append(records, DNS{Hostname: entry.Host, RecordType: "CNAME", Value: v})
			}
			for _, v := range entry.MX {
				priority, target := splitMX(v)
				records = append(records, DNS{
					Hostname: entry.Host, RecordType: "MX", Value: target, Priority: priority,
				})
			}
			for _, v := range entry.TXT {
				records = append(records, DNS{Hostname: entry.Host, RecordType: "TXT", Value: v})
			}
			for _, v := range entry.NS {
				records = append(records, DNS{Hostname: entry.Host, RecordType: "NS", Value: v})
			}
			for _, v := range entry.SOA {
				records = append(records, DNS{Hostname: entry.Host, RecordType: "SOA", Value: v})
			}
			return records, nil
		},
	}
}

// dnsx-ptr reverse-resolves addresses read from stdin.
func dnsxPTRSpec() *Spec {
	return &Spec{
		Name:     "dnsx-ptr",
		Binary:   "dnsx",
		Category: CategoryNet,
		Priority: 60,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-silent", "-ptr", "-resp", "-json"}
		},
		Parse: func(line string) ([]Record, error) {
			entry, err := decodeDNSXLine(line)
			if entry == nil || err != nil {
				return nil, err
			}
			var records []Record
			for _, name := range entry.PTR {
				hostname, ok := normalize.Hostname(name)
				if !ok {
					continue
				}
				records = append(records, HostFromIP{
					Address: entry.Host, Hostname: hostname, Technique: "ptr",
				})
			}
			return records, nil
		},
	}
}

func decodeDNSXLine(line string) (*dnsxLine, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	var entry dnsxLine
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return nil, fmt.Errorf("bad dnsx json: %w", err)
	}
	if entry.Host == "" {
		return nil, fmt.Errorf("dnsx line without host")
	}
	return &entry, nil
}

// splitMX handles both "10 mail.example.com" and bare-target MX values.
func splitMX(v string) (priority int, target string) {
	pref, rest, found := strings.Cut(strings.TrimSpace(v), " ")
	if found {
		if n, err := strconv.Atoi(pref); err == nil {
			return n, strings.TrimSuffix(rest, ".")
		}
	}
	return 0, strings.TrimSuffix(strings.TrimSpace(v), ".")
}

// WildcardCanary returns a random label under the domain that should
// never exist. If it resolves, the domain has wildcard DNS and its
// records get flagged accordingly.
func WildcardCanary(domain string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "wildcard-canary-0000." + domain
	}
	return "wc-" + hex.EncodeToString(buf) + "." + domain
}

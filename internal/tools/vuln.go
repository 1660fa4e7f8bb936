package tools

import (
	"fmt"
	"strings"

	"reconduit/internal/normalize"
)

func registerVulnTools(r *Registry) {
	r.MustRegister(subjackSpec())
	r.MustRegister(mantraSpec())
}

// subjack checks subdomains for dangling CNAMEs pointing at claimable
// services. It only reads targets from a file.
func subjackSpec() *Spec {
	return &Spec{
		Name:      "subjack",
		Binary:    "subjack",
		Category:  CategoryVuln,
		Priority:  60,
		WantsFile: true,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-w", opts.TargetsFile, "-ssl", "-a"}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" || strings.Contains(line, "Not Vulnerable") {
				return nil, nil
			}
			// "[SERVICE] host.example.com"
			if !strings.HasPrefix(line, "[") {
				return nil, nil
			}
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("bad subjack line: %q", line)
			}
			service := strings.TrimSpace(line[1:end])
			host := strings.TrimSpace(line[end+1:])
			hostname, ok := normalize.Hostname(host)
			if !ok {
				return nil, fmt.Errorf("bad subjack host: %q", host)
			}
			return []Record{Takeover{Hostname: hostname, Service: strings.ToLower(service)}}, nil
		},
	}
}

// mantra scans JavaScript URLs from stdin for leaked secrets.
func mantraSpec() *Spec {
	return &Spec{
		Name:     "mantra",
		Binary:   "mantra",
		Category: CategoryVuln,
		Priority: 40,
		Args: func(_ string, opts RunOpts) []string {
			return []string{"-s"}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "[+]") {
				return nil, nil
			}
			// "[+] https://host/app.js  [ secretvalue ]"
			rest := strings.TrimSpace(strings.TrimPrefix(line, "[+]"))
			url, match, found := strings.Cut(rest, "[")
			if !found {
				return nil, fmt.Errorf("bad mantra line: %q", line)
			}
			value := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(match), "]"))
			if value == "" {
				return nil, fmt.Errorf("mantra line without secret: %q", line)
			}
			return []Record{LeakRecord{
				LeakKind: classifySecret(value),
				Value:    value,
				Source:   strings.TrimSpace(url),
			}}, nil
		},
	}
}

// classifySecret buckets a leaked value by its well-known prefix.
func classifySecret(value string) string {
	switch {
	case strings.HasPrefix(value, "AKIA"), strings.HasPrefix(value, "ASIA"):
		return "aws_access_key"
	case strings.HasPrefix(value, "ghp_"), strings.HasPrefix(value, "gho_"),
		strings.HasPrefix(value, "github_pat_"):
		return "github_token"
	case strings.HasPrefix(value, "AIza"):
		return "google_api_key"
	case strings.HasPrefix(value, "sk_live_"), strings.HasPrefix(value, "pk_live_"):
		return "stripe_key"
	case strings.HasPrefix(value, "xox"):
		return "slack_token"
	case strings.HasPrefix(value, "eyJ") && strings.Count(value, ".") == 2:
		return "jwt"
	default:
		return "api_key"
	}
}

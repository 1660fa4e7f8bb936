package tools

import (
	"fmt"
	"strings"

	"reconduit/internal/normalize"
)

func registerSubdomainTools(r *Registry) {
	r.MustRegister(subfinderSpec())
	r.MustRegister(amassSpec())
}

// subfinder enumerates subdomains from passive sources, one hostname
// per line.
func subfinderSpec() *Spec {
	return &Spec{
		Name:         "subfinder",
		Binary:       "subfinder",
		Category:     CategorySubdomains,
		Priority:     80,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			args := []string{"-d", target, "-all", "-silent"}
			if opts.RateLimit > 0 {
				args = append(args, "-rate-limit", fmt.Sprint(opts.RateLimit))
			}
			return args
		},
		Parse: parseHostnameLine("subfinder"),
	}
}

// amass passive enumeration. Slower than subfinder, so lower priority;
// stages run it for breadth after the fast pass.
func amassSpec() *Spec {
	return &Spec{
		Name:         "amass",
		Binary:       "amass",
		Category:     CategorySubdomains,
		Priority:     40,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			return []string{"enum", "-passive", "-nocolor", "-d", target}
		},
		Parse: parseHostnameLine("amass"),
	}
}

// parseHostnameLine builds a parser for tools that print one hostname
// per line.
func parseHostnameLine(source string) ParseFunc {
	return func(line string) ([]Record, error) {
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, nil
		}
		hostname, ok := normalize.Hostname(line)
		if !ok {
			return nil, fmt.Errorf("not a hostname: %q", line)
		}
		return []Record{Subdomain{Hostname: hostname, Source: source}}, nil
	}
}

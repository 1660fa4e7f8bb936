package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func registerHTTPTools(r *Registry) {
	r.MustRegister(httpxSpec())
	r.MustRegister(katanaSpec())
	r.MustRegister(gauSpec())
	r.MustRegister(ffufSpec())
	r.MustRegister(linkfinderSpec())
}

// httpxLine is the -json output shape. httpx emits port as a string.
type httpxLine struct {
	URL         string   `json:"url"`
	Input       string   `json:"input"`
	Host        string   `json:"host"`
	Port        string   `json:"port"`
	Scheme      string   `json:"scheme"`
	StatusCode  int      `json:"status_code"`
	ContentType string   `json:"content_type"`
	Title       string   `json:"title"`
	Tech        []string `json:"tech"`
	Favicon     string   `json:"favicon"`
	Websocket   bool     `json:"websocket"`
	CNAMEs      []string `json:"cname"`
	A           []string `json:"a"`
}

// httpx probes hosts from stdin and reports live web services with
// technology fingerprints.
func httpxSpec() *Spec {
	return &Spec{
		Name:     "httpx",
		Binary:   "httpx",
		Category: CategoryHTTP,
		Priority: 80,
		Args: func(_ string, opts RunOpts) []string {
			args := []string{
				"-silent", "-json", "-status-code", "-content-type", "-title",
				"-tech-detect", "-favicon", "-websocket", "-cname", "-ip",
			}
			if opts.RateLimit > 0 {
				args = append(args, "-rate-limit", fmt.Sprint(opts.RateLimit))
			}
			return args
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			var entry httpxLine
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("bad httpx json: %w", err)
			}
			if entry.URL == "" {
				return nil, fmt.Errorf("httpx line without url")
			}

			port, _ := strconv.Atoi(entry.Port)
			address := entry.Host
			if address == "" && len(entry.A) > 0 {
				address = entry.A[0]
			}

			svc := HTTPService{
				URL:          entry.URL,
				Hostname:     entry.Input,
				Address:      address,
				Port:         port,
				Scheme:       entry.Scheme,
				StatusCode:   entry.StatusCode,
				ContentType:  entry.ContentType,
				Title:        entry.Title,
				Technologies: splitTech(entry.Tech),
				FaviconHash:  entry.Favicon,
				Websocket:    entry.Websocket,
				CNAMEChain:   entry.CNAMEs,
			}
			return []Record{svc}, nil
		},
	}
}

// splitTech turns httpx "name:version" entries into a map. Entries
// without a version record bare presence as true.
func splitTech(tech []string) map[string]any {
	if len(tech) == 0 {
		return nil
	}
	out := make(map[string]any, len(tech))
	for _, t := range tech {
		name, version, _ := strings.Cut(t, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if version = strings.TrimSpace(version); version == "" {
			out[strings.ToLower(name)] = true
		} else {
			out[strings.ToLower(name)] = version
		}
	}
	return out
}

// katanaLine is the -jsonl output shape.
type katanaLine struct {
	Request struct {
		Method   string `json:"method"`
		Endpoint string `json:"endpoint"`
	} `json:"request"`
	Response struct {
		StatusCode int               `json:"status_code"`
		Headers    map[string]string `json:"headers"`
	} `json:"response"`
}

// katana crawls a URL and reports every request it issued.
func katanaSpec() *Spec {
	return &Spec{
		Name:         "katana",
		Binary:       "katana",
		Category:     CategoryContent,
		Priority:     80,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			depth := opts.Depth
			if depth <= 0 {
				depth = 3
			}
			args := []string{"-u", target, "-silent", "-jsonl", "-d", fmt.Sprint(depth)}
			if opts.RateLimit > 0 {
				args = append(args, "-rate-limit", fmt.Sprint(opts.RateLimit))
			}
			return args
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			var entry katanaLine
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("bad katana json: %w", err)
			}
			if entry.Request.Endpoint == "" {
				return nil, fmt.Errorf("katana line without endpoint")
			}
			method := entry.Request.Method
			if method == "" {
				method = "GET"
			}
			return []Record{URLRecord{
				RawURL:      entry.Request.Endpoint,
				Method:      method,
				StatusCode:  entry.Response.StatusCode,
				ContentType: entry.Response.Headers["content_type"],
				Source:      "katana",
			}}, nil
		},
	}
}

// gau pulls archived URLs for a domain, one per line.
func gauSpec() *Spec {
	return &Spec{
		Name:         "gau",
		Binary:       "gau",
		Category:     CategoryContent,
		Priority:     60,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			return []string{"--subs", target}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" {
				return nil, nil
			}
			if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
				return nil, fmt.Errorf("not a url: %q", line)
			}
			return []Record{URLRecord{RawURL: line, Method: "GET", Source: "gau"}}, nil
		},
	}
}

// ffufLine is the -json per-result output shape.
type ffufLine struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content-type"`
}

// ffuf brute-forces paths under a base URL using the configured
// wordlist.
func ffufSpec() *Spec {
	return &Spec{
		Name:         "ffuf",
		Binary:       "ffuf",
		Category:     CategoryContent,
		Priority:     40,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			base := strings.TrimSuffix(target, "/")
			args := []string{"-u", base + "/FUZZ", "-json", "-s", "-mc", "200,204,301,302,307,401,403,405"}
			if opts.Wordlist != "" {
				args = append(args, "-w", opts.Wordlist)
			}
			if opts.RateLimit > 0 {
				args = append(args, "-rate", fmt.Sprint(opts.RateLimit))
			}
			return args
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "{") {
				return nil, nil
			}
			var entry ffufLine
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("bad ffuf json: %w", err)
			}
			if entry.URL == "" {
				// Progress and summary objects have no url.
				return nil, nil
			}
			return []Record{URLRecord{
				RawURL:      entry.URL,
				Method:      "GET",
				StatusCode:  entry.Status,
				ContentType: entry.ContentType,
				Source:      "ffuf",
			}}, nil
		},
	}
}

// linkfinder extracts endpoints from JavaScript. CLI output mixes
// headers with discovered paths; only path and URL lines matter.
func linkfinderSpec() *Spec {
	return &Spec{
		Name:         "linkfinder",
		Binary:       "linkfinder",
		Category:     CategoryContent,
		Priority:     30,
		SingleTarget: true,
		Args: func(target string, opts RunOpts) []string {
			return []string{"-i", target, "-o", "cli"}
		},
		Parse: func(line string) ([]Record, error) {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "Running against:") {
				return nil, nil
			}
			switch {
			case strings.HasPrefix(line, "http://"), strings.HasPrefix(line, "https://"):
				return []Record{URLRecord{RawURL: line, Method: "GET", Source: "linkfinder"}}, nil
			case strings.HasPrefix(line, "/"):
				return []Record{URLRecord{RawURL: line, Method: "GET", Source: "linkfinder"}}, nil
			}
			return nil, nil
		},
	}
}

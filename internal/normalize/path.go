package normalize

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Identifier-shaped path segments collapse to {id} so endpoints dedupe by
// route shape instead of by concrete resource.
var (
	uuidSegRE    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegRE     = regexp.MustCompile(`^[0-9a-fA-F]{24,}$`)
	numericSegRE = regexp.MustCompile(`^[0-9]+$`)
	base64SegRE  = regexp.MustCompile(`^[A-Za-z0-9+/=]{20,}$`)
)

const idPlaceholder = "{id}"

// Path canonicalizes a request path with optional query string. Identifier
// segments become {id}, duplicate slashes collapse, the trailing slash is
// stripped except for the root, and query parameter names are kept sorted
// with their values dropped. The function is idempotent.
func Path(raw string) string {
	raw = strings.TrimSpace(raw)

	// Fragment first: it trails the query.
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	path, query, hasQuery := strings.Cut(raw, "?")

	path = collapseSlashes(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	segs := strings.Split(path, "/")
	for i, s := range segs {
		if isIDSegment(s) {
			segs[i] = idPlaceholder
		}
	}
	path = strings.Join(segs, "/")
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	if !hasQuery {
		return path
	}
	names := QueryParamNames(query)
	if len(names) == 0 {
		return path
	}
	return path + "?" + strings.Join(names, "&")
}

func isIDSegment(s string) bool {
	if s == "" || s == idPlaceholder {
		return false
	}
	return uuidSegRE.MatchString(s) ||
		hexSegRE.MatchString(s) ||
		numericSegRE.MatchString(s) ||
		base64SegRE.MatchString(s)
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}

// QueryParamNames returns the unique parameter names in sorted order.
func QueryParamNames(query string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, pair := range strings.Split(query, "&") {
		name, _, _ := strings.Cut(pair, "=")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URL canonicalizes an absolute http(s) URL for page-identity comparisons:
// lowercased scheme and host, default ports stripped, fragment dropped,
// duplicate slashes collapsed, and query pairs sorted by name with values
// kept. Unlike Path it does not template identifier segments; two distinct
// resources stay distinct pages.
func URL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if h, ok := Hostname(host); ok {
		host = h
	} else if _, ok := IPVersion(host); !ok {
		return "", false
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := collapseSlashes(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	out := scheme + "://" + host + path
	if q := u.Query(); len(q) > 0 {
		// url.Values.Encode sorts by key.
		out += "?" + q.Encode()
	}
	return out, true
}

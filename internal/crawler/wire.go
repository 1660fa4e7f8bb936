package crawler

import (
	"time"

	"reconduit/internal/tools"
)

// Result is one crawled request/response pair in the katana wire shape,
// so crawler output and katana output flow through the same ingestion
// path. Exactly one of Request or Error is set.
type Result struct {
	Request   *Request   `json:"request,omitempty"`
	Response  *Response  `json:"response,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Error     *WireError `json:"error,omitempty"`
}

// Request describes one request a page issued.
type Request struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body,omitempty"`
	Raw      string            `json:"raw,omitempty"`
}

// Response carries the status and headers seen for a request.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// WireError reports a scan-level failure inside the result stream.
type WireError struct {
	Message string `json:"message"`
}

// Record converts a result to the tool-runner record contract. Error
// results and results without an endpoint convert to nothing.
func (r *Result) Record() (tools.Record, bool) {
	if r.Error != nil || r.Request == nil || r.Request.Endpoint == "" {
		return nil, false
	}
	method := r.Request.Method
	if method == "" {
		method = "GET"
	}
	rec := tools.URLRecord{
		RawURL: r.Request.Endpoint,
		Method: method,
		Source: "crawler",
	}
	if r.Response != nil {
		rec.StatusCode = r.Response.StatusCode
		rec.ContentType = r.Response.Headers["content-type"]
	}
	return rec, true
}

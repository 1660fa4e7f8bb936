package crawler

import "encoding/json"

// The crawler daemon speaks line-delimited JSON-RPC 2.0 over stdio.
// Requests carry an id; streamed scan results come back as
// notifications tagged with the id of the scan that produced them, and
// the final response for that id closes the stream:
//
//	→ {"jsonrpc":"2.0","id":1,"method":"scan","params":{"url":"https://app.example.com","max_depth":3}}
//	← {"jsonrpc":"2.0","method":"scan.result","params":{"id":1,"result":{...}}}
//	← {"jsonrpc":"2.0","id":1,"result":{"results":17}}

const (
	methodScan        = "scan"
	methodHealthCheck = "health_check"
	methodScanResult  = "scan.result"
)

const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeScanFailed     = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcEnvelope covers everything a peer can read off the wire. A filled
// Method marks a notification; otherwise the id pairs it with a call.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type scanParams struct {
	URL      string `json:"url"`
	MaxDepth int    `json:"max_depth,omitempty"`
}

// scanResultParams is the payload of a scan.result notification.
type scanResultParams struct {
	ID     int     `json:"id"`
	Result *Result `json:"result"`
}

type scanDone struct {
	Results int `json:"results"`
}

type healthStatus struct {
	Status string `json:"status"`
}

// Package model defines shared types for the proxy.
package model

// UpstreamResponse is the fully-read result of an upstream fetch. The body has
// already been decoded per Content-Encoding, and ContentType defaults to
// "text/plain" when upstream omits the header.
type UpstreamResponse struct {
	StatusCode  int
	StatusText  string
	ContentType string
	Body        []byte
}

// ProxyResponse is the terminal artifact written back to the caller.
// An empty ContentType means the response carries no Content-Type header at all.
type ProxyResponse struct {
	StatusCode  int
	StatusText  string
	ContentType string
	Body        []byte
}

// ErrorResponse is the JSON body for all error responses.
type ErrorResponse struct {
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error"`
	Headers map[string]string `json:"headers,omitempty"`
	URL     string            `json:"url,omitempty"`
}

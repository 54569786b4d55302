// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"strings"

	"ahc-proxy-go/internal/buffer"
)

// Protocol tags the client-side protocol a request arrived on.
type Protocol string

const (
	HTTP1 Protocol = "HTTP1"
	HTTP2 Protocol = "HTTP2"
)

// ForwardRequest is a fully parsed client request in protocol-neutral form.
//
// The forwarding path owns Body until the backend exchange completes and then
// releases it. Sharing the body with a second consumer goes through Fork.
type ForwardRequest struct {
	Protocol Protocol
	Method   string
	// Target is the request-target for HTTP/1.1 (absolute URI, origin form or
	// host:port for CONNECT) and the :path pseudo-header for HTTP/2.
	Target    string
	Authority string // HTTP/2 :authority
	Scheme    string // HTTP/2 :scheme
	StreamID  uint32 // HTTP/2 stream id
	Header    http.Header
	Body      *buffer.Buffer

	ClientAddr string

	stages []Stage
}

// IsConnect reports whether the request asks for a CONNECT tunnel.
func (r *ForwardRequest) IsConnect() bool {
	return r.Method == http.MethodConnect
}

// Fork returns a shallow copy of r that owns a clone of the body.
// Stage descriptors and headers are copied so the fork can be rewritten freely.
func (r *ForwardRequest) Fork() *ForwardRequest {
	f := *r
	f.Header = r.Header.Clone()
	f.Body = r.Body.Clone()
	f.stages = append([]Stage(nil), r.stages...)
	return &f
}

// ReleaseBody releases the body buffer if one is attached.
func (r *ForwardRequest) ReleaseBody() {
	if r != nil {
		r.Body.Release()
	}
}

// ProxyResponse is a backend response captured in full.
// Body is a snapshot taken when the response was received.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusText returns the reason phrase for StatusCode.
func (r *ProxyResponse) StatusText() string {
	return http.StatusText(r.StatusCode)
}

// DeriveStages attaches auth and compression stages inferred from the
// authorization and accept-encoding headers.
func DeriveStages(r *ForwardRequest) {
	if ae := strings.ToLower(r.Header.Get("Accept-Encoding")); ae != "" {
		switch {
		case strings.Contains(ae, "gzip"):
			r.WithCompression("gzip")
		case strings.Contains(ae, "deflate"):
			r.WithCompression("deflate")
		case strings.Contains(ae, "br"):
			r.WithCompression("br")
		}
	}

	authz := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		r.WithAuth("bearer")
	case strings.HasPrefix(authz, "Basic "):
		r.WithAuth("basic")
	case strings.HasPrefix(authz, "OAuth "):
		r.WithAuth("oauth")
	}
}

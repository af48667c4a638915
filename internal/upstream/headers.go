package upstream

import (
	"net/http"
	"net/textproto"
)

// hopByHop are stripped from every proxied request, spec §4.4.1; responses
// use responseHeaderDeny instead.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Proxy-Authorization": true,
	"Proxy-Authenticate":  true,
}

// CopyRequestHeaders copies client headers onto an upstream request, minus
// hop-by-hop headers, Host, Content-Length, Accept-Encoding, and (when
// dropAuth is true, i.e. the channel has configured keys) Authorization,
// X-Api-Key and X-Goog-Api-Key — so client secrets never leak upstream.
func CopyRequestHeaders(dst http.Header, src http.Header, dropAuth bool) {
	for name, values := range src {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		if hopByHop[canon] || canon == "Host" || canon == "Content-Length" || canon == "Accept-Encoding" {
			continue
		}
		if dropAuth && (canon == "Authorization" || canon == "X-Api-Key" || canon == "X-Goog-Api-Key") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// responseHeaderDeny is the set of upstream response headers that are not
// relayed back to the client; every other header is copied.
var responseHeaderDeny = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true, // recomputed by the Go server for the relayed body
}

// CopyResponseHeaders copies upstream response headers onto the client
// response, minus hop-by-hop headers and Content-Length.
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		if responseHeaderDeny[canon] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

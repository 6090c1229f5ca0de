package middleware

import (
	"net"
	"net/http"
	"strings"
)

// DefaultForwardedHeader is the header consulted for the original client
// address when the server sits behind a proxy.
const DefaultForwardedHeader = "X-Forwarded-For"

// ClientIP returns the first comma-separated value of header when present,
// else the host part of the connection address. An empty header name
// disables the header lookup.
func ClientIP(r *http.Request, header string) string {
	if header != "" {
		if v := r.Header.Get(header); v != "" {
			first := v
			if i := strings.IndexByte(v, ','); i >= 0 {
				first = v[:i]
			}
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

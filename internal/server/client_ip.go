package server

import (
	"net"
	"net/http"
	"strings"
)

// clientIPResolver picks the address rate limits and audit lines are keyed on.
// Forwarding headers are only honoured behind a trusted proxy.
type clientIPResolver struct {
	trustForwarded bool
}

func (c clientIPResolver) clientIP(r *http.Request) string {
	if c.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

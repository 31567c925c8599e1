package xhttp

import (
	"net"
	"net/http"
	"strings"
)

func GetRequestIP(r *http.Request) string {
	if xff := r.Header.Get(XForwardedFor); xff != "" {
		// left-most entry is the originating client
		client, _, _ := strings.Cut(xff, ",")
		client = strings.TrimSpace(client)
		if ip, _, err := net.SplitHostPort(client); err == nil {
			return ip
		}
		return client
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

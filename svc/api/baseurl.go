package api

import (
	"net/http"
	"strings"

	"kopy/cfg"
)

// baseURL picks the origin used in generated links: the configured BASE_URL,
// then the forwarded host from a proxy, then the Host header. The scheme is
// X-Forwarded-Proto when it names http or https, otherwise https.
func baseURL(r *http.Request, c *cfg.Cfg) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	host := firstHeaderValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return "http://localhost:" + c.Port
	}
	return forwardedProto(r) + "://" + host
}

func forwardedProto(r *http.Request) string {
	switch proto := strings.ToLower(firstHeaderValue(r.Header.Get("X-Forwarded-Proto"))); proto {
	case "http", "https":
		return proto
	}
	return "https"
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

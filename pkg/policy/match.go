package policy

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// blockMarkers identify polling and telemetry endpoints that must never
// reach the redirect target. Matched case-sensitively anywhere in the URL.
var blockMarkers = []string{"gateBulletin", "gameBulletin", "batch_event"}

// targetURLMarker flags a request as a target regardless of its host.
const targetURLMarker = "meta"

// findBlockMarker returns the first block marker contained in rawURL.
func findBlockMarker(rawURL string) string {
	for _, m := range blockMarkers {
		if strings.Contains(rawURL, m) {
			return m
		}
	}
	return ""
}

// matchDomainSuffix reports whether host ends with any of the lower-cased
// domains. There is no label boundary check: "notexample.com" matches
// "example.com".
func matchDomainSuffix(domains []string, host string) (string, bool) {
	host = strings.ToLower(host)
	for _, d := range domains {
		if strings.HasSuffix(host, d) {
			return d, true
		}
	}
	return "", false
}

// requestURL renders the full URL of req as the client addressed it.
// CONNECT requests render as their authority (host:port). The default
// port of the scheme is dropped, so a MITM'd "https://h:443/p" renders as
// "https://h/p".
func requestURL(req *http.Request) string {
	if req.Method == http.MethodConnect {
		if req.URL.Host != "" {
			return req.URL.Host
		}
		return req.Host
	}
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	u.Host = stripDefaultPort(u.Scheme, u.Host)
	return u.String()
}

func stripDefaultPort(scheme, hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return hostport
}

// requestHost returns the hostname of the request URI without port,
// falling back to the Host header.
func requestHost(req *http.Request) string {
	if h := req.URL.Hostname(); h != "" {
		return h
	}
	return (&url.URL{Host: req.Host}).Hostname()
}

package policy

import (
	"net/http"
	"strings"
)

// Keys of the identity fragment appended to the Cookie header.
const (
	CookieOriginalHost = "OriginalHost"
	CookieOriginalURL  = "OriginalUrl"
)

// identityFragment renders "OriginalHost=<host>;OriginalUrl=<url>".
// Values are written verbatim; the redirect target parses them back.
func identityFragment(host, rawURL string) string {
	return CookieOriginalHost + "=" + host + ";" + CookieOriginalURL + "=" + rawURL
}

// composeCookie appends fragment to existing, trimming every trailing
// semicolon of existing first.
func composeCookie(existing, fragment string) string {
	if existing == "" {
		return fragment
	}
	return strings.TrimRight(existing, ";") + ";" + fragment
}

// tagCookie replaces all Cookie headers with a single value carrying the
// request's original identity and returns that value.
func tagCookie(h http.Header, host, rawURL string) string {
	value := composeCookie(h.Get("Cookie"), identityFragment(host, rawURL))
	h.Del("Cookie")
	h.Add("Cookie", value)
	return value
}

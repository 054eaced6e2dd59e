package api

import (
	"net"
	"strconv"
	"strings"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

const (
	DefaultProxyPort    = 8899
	DefaultRedirectHost = "127.0.0.1"
	DefaultRedirectPort = 5000
)

// DefaultTargetDomains are monitored when the config lists none.
var DefaultTargetDomains = []string{
	"gryphline.com",
	"hg-cdn.com",
	"hypergryph.com",
}

// ProxyConfig is the configuration consumed by the rewrite engine and the
// proxy listener. JSON keys match the config.json written by earlier
// releases so existing files keep loading.
type ProxyConfig struct {
	ProxyPort     int      `json:"proxyPort" mapstructure:"proxyPort"`
	RedirectHost  string   `json:"redirectHost" mapstructure:"redirectHost"`
	RedirectPort  int      `json:"redirectPort" mapstructure:"redirectPort"`
	TargetDomains []string `json:"targetDomains" mapstructure:"targetDomains"`
}

// DefaultProxyConfig returns a fresh config populated with defaults.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		ProxyPort:     DefaultProxyPort,
		RedirectHost:  DefaultRedirectHost,
		RedirectPort:  DefaultRedirectPort,
		TargetDomains: append([]string(nil), DefaultTargetDomains...),
	}
}

// Correction records a field that Normalize replaced.
type Correction struct {
	Field string
	Value any
}

// Normalize replaces invalid fields with their defaults in place and
// returns what it changed. Blank target domains are dropped; surrounding
// whitespace is trimmed.
func (c *ProxyConfig) Normalize() []Correction {
	var fixed []Correction

	if !validPort(c.ProxyPort) {
		c.ProxyPort = DefaultProxyPort
		fixed = append(fixed, Correction{Field: "proxyPort", Value: c.ProxyPort})
	}
	if !validPort(c.RedirectPort) {
		c.RedirectPort = DefaultRedirectPort
		fixed = append(fixed, Correction{Field: "redirectPort", Value: c.RedirectPort})
	}

	host := strings.TrimSpace(c.RedirectHost)
	if host == "" {
		host = DefaultRedirectHost
	}
	if host != c.RedirectHost {
		c.RedirectHost = host
		fixed = append(fixed, Correction{Field: "redirectHost", Value: c.RedirectHost})
	}

	domains := make([]string, 0, len(c.TargetDomains))
	for _, d := range c.TargetDomains {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	if len(domains) == 0 {
		domains = append(domains, DefaultTargetDomains...)
	}
	if !equalStrings(domains, c.TargetDomains) {
		c.TargetDomains = domains
		fixed = append(fixed, Correction{Field: "targetDomains", Value: c.TargetDomains})
	}

	return fixed
}

// Validate reports the first invalid field without modifying the config.
func (c *ProxyConfig) Validate() error {
	if !validPort(c.ProxyPort) {
		return errx.With(ErrInvalidConfig, ": proxyPort %d out of range 1-65535", c.ProxyPort)
	}
	if !validPort(c.RedirectPort) {
		return errx.With(ErrInvalidConfig, ": redirectPort %d out of range 1-65535", c.RedirectPort)
	}
	if strings.TrimSpace(c.RedirectHost) == "" {
		return errx.With(ErrInvalidConfig, ": redirectHost is empty")
	}
	for _, d := range c.TargetDomains {
		if strings.TrimSpace(d) != "" {
			return nil
		}
	}
	return errx.With(ErrInvalidConfig, ": targetDomains is empty")
}

// RedirectAddr returns redirectHost:redirectPort, bracketing IPv6 hosts.
func (c *ProxyConfig) RedirectAddr() string {
	return net.JoinHostPort(c.RedirectHost, strconv.Itoa(c.RedirectPort))
}

// Clone returns a deep copy.
func (c *ProxyConfig) Clone() *ProxyConfig {
	cp := *c
	cp.TargetDomains = append([]string(nil), c.TargetDomains...)
	return &cp
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package policy

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/api"
	"github.com/jingkaihe/metaproxy/pkg/logging"
)

// Engine classifies intercepted requests and rewrites target requests to
// the redirect destination.
//
// An Engine is immutable after NewEngine and Decide is safe for
// concurrent use. To change configuration, build a new Engine.
type Engine struct {
	redirectAddr string
	domains      []string

	logger  *slog.Logger
	emitter *logging.Emitter // nil means no event logging
}

// NewEngine builds an engine from a copy of config. The copy is
// normalized, so invalid fields fall back to defaults here as well.
func NewEngine(config *api.ProxyConfig, logger *slog.Logger, emitter *logging.Emitter) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = api.DefaultProxyConfig()
	}
	cfg := config.Clone()
	if fixed := cfg.Normalize(); len(fixed) > 0 {
		for _, f := range fixed {
			logger.Warn("config field corrected", "component", "policy", "field", f.Field, "value", f.Value)
		}
	}

	domains := make([]string, len(cfg.TargetDomains))
	for i, d := range cfg.TargetDomains {
		domains[i] = strings.ToLower(d)
	}

	e := &Engine{
		redirectAddr: cfg.RedirectAddr(),
		domains:      domains,
		logger:       logger.With("component", "policy"),
		emitter:      emitter,
	}

	e.logger.Info("engine ready",
		"redirect", e.redirectAddr,
		"domains", strings.Join(e.domains, ","),
	)
	return e
}

// RedirectAddr returns the host:port target requests are rewritten to.
func (e *Engine) RedirectAddr() string {
	return e.redirectAddr
}

// IsTarget applies the classification rule: the URL contains "meta" or
// the host ends with a monitored domain (case-insensitive).
func (e *Engine) IsTarget(rawURL, host string) bool {
	if strings.Contains(rawURL, targetURLMarker) {
		return true
	}
	_, ok := matchDomainSuffix(e.domains, host)
	return ok
}

// Decide classifies req and applies the redirect mutation when required.
//
// Blocked and passed-through requests are never modified. For
// ActionRedirect the request's Cookie header, URL and Host are rewritten
// in place; the caller forwards req afterwards. Decide keeps no reference
// to req after returning.
//
// A request without a URL, or a target request without a host, yields
// api.ErrMalformedRequestURI and is left untouched.
func (e *Engine) Decide(req *http.Request) (*Verdict, error) {
	if req == nil || req.URL == nil {
		return nil, errx.With(api.ErrMalformedRequestURI, ": request has no URL")
	}

	fullURL := requestURL(req)
	host := requestHost(req)

	if marker := findBlockMarker(fullURL); marker != "" {
		v := &Verdict{
			Action:       ActionBlock,
			Reason:       "block marker " + marker,
			OriginalHost: host,
			OriginalURL:  fullURL,
		}
		e.logger.Info("blocked request", "method", req.Method, "url", fullURL, "marker", marker)
		e.emit(req.Method, v)
		return v, nil
	}

	if !e.IsTarget(fullURL, host) {
		v := &Verdict{
			Action:       ActionPassThrough,
			Reason:       "not a target",
			OriginalHost: host,
			OriginalURL:  fullURL,
		}
		e.logger.Info("pass through non-target request", "method", req.Method, "url", fullURL)
		e.emit(req.Method, v)
		return v, nil
	}

	if req.Method == http.MethodConnect {
		v := &Verdict{
			Action:       ActionPassThrough,
			Reason:       "tunnel to target",
			OriginalHost: host,
			OriginalURL:  fullURL,
		}
		e.logger.Debug("allow tunnel to target", "host", host, "url", fullURL)
		e.emit(req.Method, v)
		return v, nil
	}

	if host == "" {
		return nil, errx.With(api.ErrMalformedRequestURI, ": no host in %q", fullURL)
	}

	e.logger.Info("captured target request", "method", req.Method, "url", fullURL)

	cookie := tagCookie(req.Header, host, fullURL)
	e.logger.Debug("injected identity cookie", "host", host, "cookie", cookie)

	req.URL.Scheme = "http"
	req.URL.Host = e.redirectAddr
	req.Host = e.redirectAddr

	v := &Verdict{
		Action:       ActionRedirect,
		Reason:       "target",
		OriginalHost: host,
		OriginalURL:  fullURL,
		RedirectTo:   e.redirectAddr,
		Cookie:       cookie,
	}
	e.logger.Info("redirected request", "url", req.URL.String(), "original_host", host)
	e.emit(req.Method, v)
	return v, nil
}

func (e *Engine) emit(method string, v *Verdict) {
	if e.emitter == nil {
		return
	}
	data := &logging.DecisionData{
		Action:     v.Action.String(),
		Reason:     v.Reason,
		Method:     method,
		Host:       v.OriginalHost,
		URL:        v.OriginalURL,
		RedirectTo: v.RedirectTo,
		Cookie:     v.Cookie,
	}
	summary := fmt.Sprintf("%s %s %s", v.Action, method, v.OriginalURL)
	_ = e.emitter.Emit(logging.EventRequestDecision, summary, "policy", []string{v.Action.String()}, data)
}

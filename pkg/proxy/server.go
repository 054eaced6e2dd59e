package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/api"
	"github.com/jingkaihe/metaproxy/pkg/logging"
	"github.com/jingkaihe/metaproxy/pkg/mitm"
	"github.com/jingkaihe/metaproxy/pkg/policy"
)

const DefaultListenHost = "127.0.0.1"

type ServerConfig struct {
	ListenHost string
	Port       int // 0 picks a free port

	Engine *policy.Engine
	// CA signs the per-host certificates for decrypted tunnels. Without a
	// CA, tunnels are spliced through undecrypted and only plain HTTP is
	// classified.
	CA *mitm.RootCA

	Logger  *slog.Logger
	Emitter *logging.Emitter
}

// Server binds the decision engine to a goproxy MITM proxy.
type Server struct {
	proxy  *goproxy.ProxyHttpServer
	engine *policy.Engine
	addr   string

	logger  *slog.Logger
	emitter *logging.Emitter

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	done     chan struct{}
}

func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.ListenHost
	if host == "" {
		host = DefaultListenHost
	}

	s := &Server{
		engine:  cfg.Engine,
		addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		logger:  logger.With("component", "proxy"),
		emitter: cfg.Emitter,
	}

	p := goproxy.NewProxyHttpServer()
	p.Verbose = false
	p.Logger = printfLogger{s.logger}
	// Never chain through HTTP(S)_PROXY: it usually points back at us.
	p.Tr = &http.Transport{
		Proxy:                 nil,
		TLSClientConfig:       &tls.Config{},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	connectAction := goproxy.OkConnect
	if cfg.CA != nil {
		caPair, err := cfg.CA.TLSCertificate()
		if err != nil {
			return nil, errx.Wrap(ErrLoadCA, err)
		}
		p.CertStore = cfg.CA
		connectAction = &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(&caPair),
		}
	}

	p.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		verdict, err := s.decide(ctx.Req)
		if err != nil {
			s.logger.Warn("dropping tunnel", "host", host, "error", err)
			return goproxy.RejectConnect, host
		}
		if verdict.Terminate() {
			return goproxy.RejectConnect, host
		}
		return connectAction, host
	})

	p.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		verdict, err := s.decide(req)
		if err != nil {
			s.logger.Warn("dropping request", "method", req.Method, "error", err)
			return req, closeResponse(req, http.StatusBadRequest, "request dropped by proxy\n")
		}
		if verdict.Terminate() {
			return req, closeResponse(req, http.StatusForbidden, "blocked by proxy\n")
		}
		return req, nil
	})

	s.proxy = p
	return s, nil
}

// Handler exposes the proxy for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.proxy
}

// Start binds the listener and serves in the background. A failed bind
// is reported and leaves nothing listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.lifecycle("start_failed", s.addr, err)
		return errx.With(ErrListen, " %s: %w", s.addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy serve failed", "error", err)
		}
	}(s.srv, s.done)

	s.logger.Info("proxy listening", "addr", ln.Addr().String())
	s.lifecycle("start", ln.Addr().String(), nil)
	return nil
}

// Addr returns the bound address once started, the configured one
// otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the listener down and waits for in-flight plain HTTP
// requests until ctx expires. Hijacked tunnels are not waited for.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln, done := s.srv, s.listener, s.done
	s.srv, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return ErrNotStarted
	}

	addr := ln.Addr().String()
	err := srv.Shutdown(ctx)
	<-done
	if err != nil {
		s.lifecycle("stop", addr, err)
		return errx.Wrap(ErrShutdown, err)
	}
	s.logger.Info("proxy stopped", "addr", addr)
	s.lifecycle("stop", addr, nil)
	return nil
}

// decide isolates a panicking decision to the one request.
func (s *Server) decide(req *http.Request) (verdict *policy.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("decision panicked", "panic", r)
			verdict, err = nil, errx.With(ErrDecisionPanic, ": %v", r)
		}
	}()
	if req == nil {
		return nil, api.ErrMalformedRequestURI
	}
	return s.engine.Decide(req)
}

func (s *Server) lifecycle(action, addr string, err error) {
	if s.emitter == nil {
		return
	}
	data := &logging.LifecycleData{Action: action, ListenAddr: addr}
	if err != nil {
		data.Error = err.Error()
	}
	_ = s.emitter.Emit(logging.EventProxyLifecycle, fmt.Sprintf("proxy %s %s", action, addr), "proxy", nil, data)
}

func closeResponse(req *http.Request, status int, body string) *http.Response {
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, status, body)
	resp.Close = true
	resp.Header.Set("Connection", "close")
	return resp
}

// printfLogger routes goproxy's internal messages into slog at debug.
type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), "source", "goproxy")
}

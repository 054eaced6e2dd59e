package logging

import (
	"encoding/json"
	"time"
)

// Event is one structured record of something the proxy decided or did.
// Required fields: Timestamp, RunID, EventType, Summary.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	Version   string          `json:"version,omitempty"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Component string          `json:"component,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	EventRequestDecision = "request_decision"
	EventTrustBootstrap  = "trust_bootstrap"
	EventProxyLifecycle  = "proxy_lifecycle"
)

// DecisionData is the payload for request_decision events.
type DecisionData struct {
	Action     string `json:"action"` // "block", "pass", "redirect"
	Reason     string `json:"reason,omitempty"`
	Method     string `json:"method"`
	Host       string `json:"host"`
	URL        string `json:"url"`
	RedirectTo string `json:"redirect_to,omitempty"`
	Cookie     string `json:"cookie,omitempty"`
}

// TrustBootstrapData is the payload for trust_bootstrap events.
type TrustBootstrapData struct {
	Outcome     string   `json:"outcome"` // "ready", "declined", "failed"
	Fingerprint string   `json:"fingerprint,omitempty"`
	Prompted    bool     `json:"prompted"`
	Installed   []string `json:"installed,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// LifecycleData is the payload for proxy_lifecycle events.
type LifecycleData struct {
	Action     string `json:"action"` // "start", "stop", "start_failed"
	ListenAddr string `json:"listen_addr"`
	Error      string `json:"error,omitempty"`
}

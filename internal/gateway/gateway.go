// Package gateway serves the daemon's local HTTP surface: a health probe for
// `warden status` and a read-only rule summary.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/go-warden/internal/persistence"
)

// StatsSource reports rule and sanction counts. *persistence.Store satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (persistence.RuleStats, error)
}

// Connection reports the platform link state. *onebot.Client satisfies it.
type Connection interface {
	Connected() bool
	LastError() string
}

type Config struct {
	Store      StatsSource
	Connection Connection

	// Pending returns the number of outstanding correlations.
	Pending func() int

	// ConfigFingerprint is the hash of the active config.
	ConfigFingerprint func() string

	// NextRetention is the next scheduled history purge; zero when disabled.
	NextRetention func() time.Time

	// AlertsDropped counts moderation events lost to slow bus subscribers.
	AlertsDropped func() uint64

	Version string
}

type Server struct {
	cfg     Config
	started time.Time
}

// Health is the /healthz payload.
type Health struct {
	Healthy             bool   `json:"healthy"`
	DBOK                bool   `json:"db_ok"`
	OneBotConnected     bool   `json:"onebot_connected"`
	LastError           string `json:"last_error,omitempty"`
	PendingCorrelations int    `json:"pending_correlations"`
	ConfigFingerprint   string `json:"config_fingerprint,omitempty"`
	AlertsDropped       uint64 `json:"alerts_dropped"`
	NextRetention       string `json:"next_retention,omitempty"`
	Version             string `json:"version,omitempty"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/stats", s.handleAPIStats)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h := Health{
		DBOK:          true,
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Store == nil {
		h.DBOK = false
	} else if _, err := s.cfg.Store.Stats(ctx); err != nil {
		h.DBOK = false
	}
	if s.cfg.Connection != nil {
		h.OneBotConnected = s.cfg.Connection.Connected()
		h.LastError = s.cfg.Connection.LastError()
	}
	if s.cfg.Pending != nil {
		h.PendingCorrelations = s.cfg.Pending()
	}
	if s.cfg.ConfigFingerprint != nil {
		h.ConfigFingerprint = s.cfg.ConfigFingerprint()
	}
	if s.cfg.NextRetention != nil {
		if next := s.cfg.NextRetention(); !next.IsZero() {
			h.NextRetention = next.UTC().Format(time.RFC3339)
		}
	}
	if s.cfg.AlertsDropped != nil {
		h.AlertsDropped = s.cfg.AlertsDropped()
	}
	h.Healthy = h.DBOK && h.OneBotConnected

	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	st, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

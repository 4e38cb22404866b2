package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/circadian"
	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/ledger"
	"github.com/dokzlo13/duskd/internal/solar"
)

// ReadinessChecker reports whether the platform session is up
type ReadinessChecker interface {
	Connected() bool
}

// FireHistory lists recorded trigger firings
type FireHistory interface {
	Recent(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
}

// recentFiresLimit bounds the firings listed by /solar
const recentFiresLimit = 20

// HealthService provides HTTP health check endpoints.
type HealthService struct {
	cfg       *config.Config
	platform  ReadinessChecker
	table     *solar.ReferenceTable
	circadian *circadian.Circadian
	history   FireHistory
	server    *http.Server
}

// NewHealthService creates a new HealthService. circ and history may be nil.
func NewHealthService(cfg *config.Config, platform ReadinessChecker, table *solar.ReferenceTable, circ *circadian.Circadian, history FireHistory) *HealthService {
	return &HealthService{
		cfg:       cfg,
		platform:  platform,
		table:     table,
		circadian: circ,
		history:   history,
	}
}

type circadianStatus struct {
	Kelvin    int     `json:"kelvin"`
	Offset    float64 `json:"offset"`
	MinKelvin int     `json:"min_kelvin"`
	MaxKelvin int     `json:"max_kelvin"`
}

type firedTrigger struct {
	Key     string         `json:"key"`
	FiredAt time.Time      `json:"fired_at"`
	Payload map[string]any `json:"payload,omitempty"`
}

type solarStatus struct {
	solar.Snapshot
	Circadian   *circadianStatus `json:"circadian,omitempty"`
	RecentFires []firedTrigger   `json:"recent_fires,omitempty"`
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

// Handler returns the health endpoints
func (s *HealthService) Handler() http.Handler {
	mux := http.NewServeMux()

	// Liveness
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	// Ready once Home Assistant is connected and the solar table is loaded
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		connected := s.platform.Connected()
		loaded := s.table.Loaded()
		status, code := "ready", http.StatusOK
		if !connected || !loaded {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":      status,
			"platform":    connected,
			"solar_table": loaded,
		})
	})

	// Today's solar reference table, the circadian curve and recent firings
	mux.HandleFunc("/solar", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.solarStatus())
	})

	return mux
}

func (s *HealthService) solarStatus() solarStatus {
	status := solarStatus{Snapshot: s.table.Snapshot()}

	if s.circadian != nil {
		lo, hi := s.circadian.Range()
		status.Circadian = &circadianStatus{
			Kelvin:    s.circadian.Kelvin(),
			Offset:    s.circadian.Offset(),
			MinKelvin: lo,
			MaxKelvin: hi,
		}
	}

	if s.history != nil {
		entries, err := s.history.Recent(ledger.EventTriggerFired, recentFiresLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read recent trigger firings")
		}
		for _, e := range entries {
			status.RecentFires = append(status.RecentFires, firedTrigger{
				Key:     e.IdempotencyKey,
				FiredAt: e.Timestamp,
				Payload: e.Payload,
			})
		}
	}
	return status
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.GetHost(), s.cfg.Healthcheck.GetPort())

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write health response")
	}
}

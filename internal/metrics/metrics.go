package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Decision metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routined_decisions_total",
			Help: "Total policy decisions, labelled by verdict and reason",
		},
		[]string{"verdict", "reason"},
	)

	BlocksEnforced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routined_blocks_enforced_total",
			Help: "Total block actions carried out against a foreground app",
		},
	)

	// Notification metrics
	NotificationsPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routined_notifications_posted_total",
			Help: "Total notifications posted, labelled by kind",
		},
		[]string{"kind"},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routined_active_sessions",
			Help: "Number of routine sessions currently running",
		},
	)

	TimersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routined_timers_pending",
			Help: "Number of one-shot timers currently registered",
		},
	)

	// Scheduler metrics
	SafetyNetRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routined_safety_net_runs_total",
			Help: "Total periodic schedule-reconciliation runs",
		},
	)

	TimerFirings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routined_timer_firings_total",
			Help: "Total timer callbacks executed, labelled by purpose",
		},
		[]string{"purpose"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		BlocksEnforced,
		NotificationsPosted,
		ActiveSessions,
		TimersPending,
		SafetyNetRuns,
		TimerFirings,
	)
}

// Server exposes the metrics over HTTP.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}

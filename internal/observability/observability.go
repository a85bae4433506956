// Package observability holds the process metrics and the localhost debug
// server (pprof + Prometheus).
package observability

import (
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-episode labels)
var (
	// Trainer metrics
	updatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_updates_total",
		Help: "Completed model updates",
	})

	updateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_update_failures_total",
		Help: "Updates that failed while building or applying the batch",
	})

	samplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_samples_total",
		Help: "Frames consumed by updates",
	})

	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_frames_total",
		Help: "Frames accepted by Step",
	})

	updateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_update_duration_seconds",
		Help:    "Time from batch selection to buffer recycling",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	batchBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_batch_build_duration_seconds",
		Help:    "Time spent merging frames into a batch",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	forwardWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_forward_wait_seconds",
		Help:    "Time a forward call waited for its buffer to leave the ready set",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 5},
	})

	readyBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_ready_buffers",
		Help: "Buffers currently in the ready set",
	})

	activeEpisodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_active_episodes",
		Help: "Episodes currently running",
	})

	buffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_buffers",
		Help: "Allocated buffer slots",
	})

	episodeReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_episode_reward",
		Help:    "Cumulative reward of finished episodes",
		Buckets: []float64{1, 10, 25, 50, 100, 200, 500},
	})

	gradInfNorm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_grad_inf_norm",
		Help: "Max absolute gradient component of the last update, before clipping",
	})

	// Event log metrics
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainer_events_total",
		Help: "Trainer events offered to the event log",
	}, []string{"result"}) // Bounded: "kept", "dropped"

	// Checkpoint metrics
	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoints_total",
		Help: "Checkpoint attempts",
	}, []string{"result"}) // Bounded: "ok", "error"

	// API metrics. Labels are bounded: reason is one of "rate_limit",
	// "origin", "ws_limit"; endpoint is the chi route pattern.
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_rejected_total",
		Help: "Requests and dashboard connections refused before reaching a handler",
	}, []string{"reason"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Control API latency by route",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Control API requests by route and status",
	}, []string{"method", "endpoint", "status"})

	dashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "api_dashboard_clients",
		Help: "Connected stats dashboards",
	})

	dashboardPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_dashboard_pushes_total",
		Help: "Messages fanned out to dashboards",
	})
)

// DebugConfig configures the debug server
type DebugConfig struct {
	ListenAddr    string // Empty disables the server
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// NewDebugHandler returns the debug mux: pprof, /metrics and /health.
func NewDebugHandler(cfg DebugConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// StartDebugServer starts the debug server in the background.
// Non-loopback addresses are rewritten to 127.0.0.1 unless
// ALLOW_DEBUG_EXTERNAL=true.
func StartDebugServer(cfg DebugConfig) {
	if cfg.ListenAddr == "" {
		log.Println("📊 Debug server disabled")
		return
	}

	cfg.ListenAddr = localOnly(cfg.ListenAddr)
	handler := NewDebugHandler(cfg)

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()
}

func localOnly(addr string) string {
	if os.Getenv("ALLOW_DEBUG_EXTERNAL") == "true" {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		log.Printf("⚠️ Bad debug address %q, using 127.0.0.1:6060", addr)
		return "127.0.0.1:6060"
	}
	if host == "localhost" {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return addr
	}
	log.Println("⚠️ Debug server forced to localhost for security")
	return net.JoinHostPort("127.0.0.1", port)
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordUpdate records a completed update of batch buffers x steps frames
func RecordUpdate(duration time.Duration, frames int) {
	updatesTotal.Inc()
	samplesTotal.Add(float64(frames))
	updateDuration.Observe(duration.Seconds())
}

// RecordUpdateFailure counts an update that built or applied nothing
func RecordUpdateFailure() {
	updateFailures.Inc()
}

// RecordBatchBuild records batch merge timing
func RecordBatchBuild(duration time.Duration) {
	batchBuildDuration.Observe(duration.Seconds())
}

// RecordForwardWait records how long an on-policy forward was held back
func RecordForwardWait(duration time.Duration) {
	forwardWait.Observe(duration.Seconds())
}

// RecordFrame counts a frame accepted by Step
func RecordFrame() {
	framesTotal.Inc()
}

// RecordEpisodeReward records a finished episode's cumulative reward
func RecordEpisodeReward(reward float64) {
	episodeReward.Observe(reward)
}

// RecordGradNorm records the pre-clip gradient inf-norm
func RecordGradNorm(norm float64) {
	gradInfNorm.Set(norm)
}

// UpdateTrainerGauges sets the buffer table gauges
func UpdateTrainerGauges(ready, active, slots int) {
	readyBuffers.Set(float64(ready))
	activeEpisodes.Set(float64(active))
	buffers.Set(float64(slots))
}

// RecordEvent counts an event log emit; dropped events count separately
func RecordEvent(dropped bool) {
	if dropped {
		eventsTotal.WithLabelValues("dropped").Inc()
		return
	}
	eventsTotal.WithLabelValues("kept").Inc()
}

// RecordCheckpoint counts a checkpoint attempt
func RecordCheckpoint(err error) {
	if err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		return
	}
	checkpointsTotal.WithLabelValues("ok").Inc()
}

func RecordRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

// SetDashboardClients publishes the number of connected dashboards
func SetDashboardClients(n int) {
	dashboardClients.Set(float64(n))
}

func RecordDashboardPush() {
	dashboardPushes.Inc()
}

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bmllm/internal/engine"
	"github.com/23skdu/longbow-bmllm/internal/logger"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      *engine.Status  `json:"engine,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// PerformanceInfo summarizes the recent step window.
type PerformanceInfo struct {
	Steps           int       `json:"steps"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	MaxLatencyMs    float64   `json:"max_latency_ms"`
	LastStep        time.Time `json:"last_step"`
}

type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // engine, kv_cache, system
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// HealthMonitor serves health, status and Prometheus endpoints. It also
// implements engine.Tracer to keep a window of recent step latencies.
type HealthMonitor struct {
	startTime time.Time
	version   string
	status    func() engine.Status

	// SlowStep raises a warning alert for any step slower than this.
	SlowStep time.Duration

	mu       sync.RWMutex
	server   *http.Server
	stopped  bool
	alerts   []Alert
	history  []engine.StepTrace
	lastStep time.Time
}

const (
	maxAlerts  = 100
	maxHistory = 1000
)

// NewHealthMonitor builds a monitor. status may be nil when no engine is loaded.
func NewHealthMonitor(version string, status func() engine.Status) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		version:   version,
		status:    status,
		SlowStep:  5 * time.Second,
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/resolve-alert", hm.handleResolveAlert)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves until Stop is called. It returns nil after a clean shutdown,
// and returns at once if Stop already ran.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	// A server shut down before ListenAndServe returns ErrServerClosed.
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down. Any later Start is a no-op.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordStep implements engine.Tracer.
func (hm *HealthMonitor) RecordStep(s engine.StepTrace) {
	hm.mu.Lock()
	hm.lastStep = s.Time.Add(s.Latency)
	hm.history = append(hm.history, s)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if hm.SlowStep > 0 && s.Latency > hm.SlowStep {
		hm.AddAlert("warning", "engine",
			fmt.Sprintf("Slow %s step at position %d: %.2f ms", s.Phase, s.Position, float64(s.Latency)/1e6))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks the alert at index resolved. It reports whether index exists.
func (hm *HealthMonitor) ResolveAlert(index int) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index < 0 || index >= len(hm.alerts) {
		return false
	}
	hm.alerts[index].Resolved = true
	return true
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	if !hm.ResolveAlert(index) {
		http.Error(w, "no such alert", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alert resolved"})
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. Unresolved critical alerts make the
// service critical; unresolved errors, or a closed engine, make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	var es *engine.Status
	if hm.status != nil {
		s := hm.status()
		es = &s
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	if es != nil && es.Closed {
		status = StatusDegraded
	}
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = StatusCritical
			break
		}
		if a.Level == "error" {
			status = StatusDegraded
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      es,
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// performance must be called with hm.mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{Steps: len(hm.history), LastStep: hm.lastStep}
	if len(hm.history) == 0 {
		return info
	}
	var total, worst time.Duration
	for _, s := range hm.history {
		total += s.Latency
		worst = max(worst, s.Latency)
	}
	info.AvgLatencyMs = float64(total) / float64(len(hm.history)) / 1e6
	info.MaxLatencyMs = float64(worst) / 1e6
	if total > 0 {
		info.TokensPerSecond = float64(len(hm.history)) / total.Seconds()
	}
	return info
}

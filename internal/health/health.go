// Package health owns the storage backend lifecycle at runtime: it builds the
// backend at startup, probes it on a fixed interval and keeps an in-memory
// status snapshot for readiness checks and the admin API.
//
// A probe asks the backend whether a random, never-written key exists. A clean
// "no" is healthy; transport, permission and configuration failures are not.
// Probe failures only update the snapshot and never surface as errors to
// request handlers.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/safego"
	"github.com/content-service/content-service/internal/storage"
	"github.com/content-service/content-service/internal/telemetry"
)

// Defaults applied when the configuration leaves a field unset
const (
	DefaultInterval     = 5 * time.Minute
	DefaultProbeTimeout = 10 * time.Second
	ProbePrefix         = "health-check/"
)

// Backend is the storage factory as seen by the health service
type Backend interface {
	Create(ctx context.Context) (storage.Service, error)
	Reset()
	GetStorageProvider() storage.Provider
}

// degradedReporter is implemented by factories that can fall back to a default backend
type degradedReporter interface {
	Degraded() bool
}

// Status is a point-in-time view of backend health
type Status struct {
	Provider            storage.Provider `json:"provider"`
	Initialized         bool             `json:"initialized"`
	Healthy             bool             `json:"healthy"`
	Degraded            bool             `json:"degraded"`
	LastCheck           time.Time        `json:"lastCheck,omitzero"`
	LastSuccess         time.Time        `json:"lastSuccess,omitzero"`
	LastError           string           `json:"lastError,omitempty"`
	LastErrorCategory   storage.Category `json:"lastErrorCategory,omitempty"`
	LastLatency         time.Duration    `json:"lastLatencyNs"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	TotalChecks         int64            `json:"totalChecks"`
}

// ConnectionResult is the outcome of a manual connection test
type ConnectionResult struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	Provider storage.Provider `json:"provider"`
	Latency  time.Duration    `json:"latencyNs"`
	Category storage.Category `json:"category,omitempty"`
}

// Service probes the storage backend periodically
type Service struct {
	backend      Backend
	interval     time.Duration
	probeTimeout time.Duration
	newKey       func() string

	mu       sync.RWMutex
	status   Status
	onReinit []func(context.Context)

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a health service for backend using the storage.health settings
func New(backend Backend, cfg config.HealthConfig) *Service {
	s := &Service{
		backend:      backend,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		newKey:       func() string { return ProbePrefix + uuid.NewString() },
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = DefaultProbeTimeout
	}
	s.status.Provider = backend.GetStorageProvider()
	return s
}

// OnReinitialize registers fn to run after the backend is reset and before it
// is rebuilt, e.g. to drop cached signed URLs of the old backend.
func (s *Service) OnReinitialize(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReinit = append(s.onReinit, fn)
}

// Start builds the backend, runs one probe and then probes every interval in
// the background until Stop or ctx ends. It returns the build error, if any;
// the background loop is not started in that case.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.initialize(ctx); err != nil {
		return err
	}
	s.probe(ctx)

	if s.started.CompareAndSwap(false, true) {
		safego.GoNamed("storage-health", func() { s.run(ctx) })
	}
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("storage health checks started", "interval", s.interval)
	for {
		select {
		case <-ticker.C:
			s.probe(ctx)
		case <-s.stopChan:
			slog.Info("storage health checks stopped")
			return
		case <-ctx.Done():
			slog.Info("storage health checks context cancelled")
			return
		}
	}
}

// Stop ends the background loop and waits for it to exit
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.probeTimeout + time.Second):
	}
}

// Status returns the latest snapshot
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// CheckNow runs a probe immediately and returns the new snapshot
func (s *Service) CheckNow(ctx context.Context) Status {
	s.probe(ctx)
	return s.Status()
}

// TestConnection runs a diagnostic probe and reports it in a form suitable for
// operators. The status snapshot is updated as by any other probe.
func (s *Service) TestConnection(ctx context.Context) ConnectionResult {
	latency, err := s.probe(ctx)
	res := ConnectionResult{
		Success:  err == nil,
		Provider: s.Status().Provider,
		Latency:  latency,
	}
	if err != nil {
		res.Category = storage.CategoryOf(err)
		res.Message = "storage backend unreachable: " + err.Error()
		return res
	}
	res.Message = "storage connection successful"
	return res
}

// ReinitializeStorage drops the cached backend, rebuilds it from the current
// configuration and probes it. Use it after a configuration change.
func (s *Service) ReinitializeStorage(ctx context.Context) (Status, error) {
	slog.Info("reinitializing storage backend", "previous_provider", s.Status().Provider)
	s.backend.Reset()

	s.mu.RLock()
	hooks := append([]func(context.Context){}, s.onReinit...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	if _, err := s.initialize(ctx); err != nil {
		return s.Status(), err
	}
	s.probe(ctx)
	return s.Status(), nil
}

// initialize builds (or fetches) the backend and records the outcome
func (s *Service) initialize(ctx context.Context) (storage.Service, error) {
	svc, err := s.backend.Create(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status.Initialized = false
		s.status.Healthy = false
		s.status.LastError = err.Error()
		s.status.LastErrorCategory = storage.CategoryOf(err)
		s.status.Provider = s.backend.GetStorageProvider()
		telemetry.StorageBackendHealthy.WithLabelValues(string(s.status.Provider)).Set(0)
		slog.Error("storage backend initialization failed", "provider", s.status.Provider, "error", err)
		return nil, err
	}
	s.status.Initialized = true
	s.status.Provider = svc.Provider()
	if d, ok := s.backend.(degradedReporter); ok {
		s.status.Degraded = d.Degraded()
	}
	return svc, nil
}

// probe runs one check and updates the snapshot. It never panics or blocks
// longer than the probe timeout.
func (s *Service) probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := s.check(ctx)
	latency := time.Since(start)
	telemetry.StorageHealthCheckDuration.Observe(latency.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	wasHealthy := s.status.Healthy
	s.status.TotalChecks++
	s.status.LastCheck = start
	s.status.LastLatency = latency
	provider := string(s.status.Provider)

	if err != nil {
		s.status.Healthy = false
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
		s.status.LastErrorCategory = storage.CategoryOf(err)
		telemetry.StorageBackendHealthy.WithLabelValues(provider).Set(0)
		telemetry.StorageHealthChecksTotal.WithLabelValues(provider, "unhealthy").Inc()
		if wasHealthy || s.status.ConsecutiveFailures == 1 {
			slog.Warn("storage backend unhealthy", "provider", provider, "error", err)
		}
		return latency, err
	}

	if !wasHealthy && s.status.TotalChecks > 1 {
		slog.Info("storage backend recovered", "provider", provider,
			"after_failures", s.status.ConsecutiveFailures)
	}
	s.status.Healthy = true
	s.status.ConsecutiveFailures = 0
	s.status.LastError = ""
	s.status.LastErrorCategory = ""
	s.status.LastSuccess = start
	telemetry.StorageBackendHealthy.WithLabelValues(provider).Set(1)
	telemetry.StorageHealthChecksTotal.WithLabelValues(provider, "healthy").Inc()
	return latency, nil
}

func (s *Service) check(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health probe panicked: %v", r)
		}
	}()

	svc, err := s.backend.Create(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.status.Provider = svc.Provider()
	s.status.Initialized = true
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	// The key is never written, so "false" is the expected healthy answer
	_, err = svc.FileExists(pctx, s.newKey())
	return err
}

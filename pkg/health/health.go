// Package health exposes liveness and readiness of the bridge over HTTP.
//
// Liveness covers the process: goroutine count and resident memory.
// Readiness covers the bridge: prepared, started, signal stream attached and
// worker logic running.
package health

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/plugin-bridge/pkg/lifecycle"
)

const (
	defaultMaxGoroutines = 10000
	rssSampleInterval    = 5 * time.Second
)

// StatusSource reports bridge state. *lifecycle.Coordinator implements it.
type StatusSource interface {
	Status() lifecycle.Status
}

// Options tunes the checks. Zero values use defaults; MaxRSS 0 disables the
// memory check.
type Options struct {
	MaxGoroutines int
	MaxRSS        uint64
	// Registerer, when set, exports every check result as a gauge.
	Registerer prometheus.Registerer
	// RequireStream makes readiness wait for the signal stream.
	RequireStream bool
}

// NewHandler returns an http.Handler serving /live and /ready.
func NewHandler(src StatusSource, opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "plugin_bridge")
	} else {
		h = healthcheck.NewHandler()
	}

	limit := opts.MaxGoroutines
	if limit <= 0 {
		limit = defaultMaxGoroutines
	}
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(limit))
	if opts.MaxRSS > 0 {
		h.AddLivenessCheck("rss", healthcheck.Async(RSSCheck(opts.MaxRSS), rssSampleInterval))
	}

	h.AddReadinessCheck("prepared", PreparedCheck(src))
	h.AddReadinessCheck("started", StartedCheck(src))
	h.AddReadinessCheck("worker", WorkerCheck(src))
	if opts.RequireStream {
		h.AddReadinessCheck("stream", StreamCheck(src))
	}
	return h
}

// PreparedCheck fails until channels are prepared.
func PreparedCheck(src StatusSource) healthcheck.Check {
	return func() error {
		if !src.Status().Prepared {
			return errors.New("channels not prepared")
		}
		return nil
	}
}

// StartedCheck fails until the worker logic has been started.
func StartedCheck(src StatusSource) healthcheck.Check {
	return func() error {
		if !src.Status().Started {
			return errors.New("worker logic not started")
		}
		return nil
	}
}

// StreamCheck fails until the signal stream is attached to a port.
func StreamCheck(src StatusSource) healthcheck.Check {
	return func() error {
		st := src.Status()
		if !st.Streaming {
			return fmt.Errorf("signal stream not started, %d signals waiting", st.SignalsQueued)
		}
		return nil
	}
}

// WorkerCheck fails when started worker logic is no longer running.
func WorkerCheck(src StatusSource) healthcheck.Check {
	return func() error {
		st := src.Status()
		if st.Started && st.HasLogic && !st.WorkerRunning {
			return fmt.Errorf("worker logic exited after %d restarts", st.Restarts)
		}
		return nil
	}
}

// RSSCheck fails when the process resident set exceeds limit bytes.
func RSSCheck(limit uint64) healthcheck.Check {
	return func() error {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return fmt.Errorf("inspect process: %w", err)
		}
		mem, err := p.MemoryInfo()
		if err != nil {
			return fmt.Errorf("read memory info: %w", err)
		}
		if mem.RSS > limit {
			return fmt.Errorf("rss %d bytes exceeds %d", mem.RSS, limit)
		}
		return nil
	}
}

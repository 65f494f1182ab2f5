package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lyzr/imagescale/common/config"
	"github.com/lyzr/imagescale/common/logger"
)

// Telemetry holds observability components: pprof and error reporting
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
	pprof     bool
	sentry    bool
}

// New creates telemetry components
func New(cfg *config.Config, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", cfg.Telemetry.PprofPort),
		pprof:     cfg.Telemetry.EnablePprof,
	}
}

// Start starts telemetry endpoints and the error reporter
func (t *Telemetry) Start(ctx context.Context, cfg *config.Config) error {
	if t.pprof {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Service.Environment,
			Release:     cfg.Service.Name,
			SampleRate:  cfg.Sentry.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		t.sentry = true
		t.log.Info("sentry enabled", "environment", cfg.Service.Environment)
	}

	return nil
}

// CaptureError reports err with tags. A no-op without a DSN.
func (t *Telemetry) CaptureError(err error, tags map[string]string) {
	if t == nil || !t.sentry {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Close flushes buffered events
func (t *Telemetry) Close() error {
	if t.sentry {
		sentry.Flush(2 * time.Second)
	}
	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	if t == nil {
		return
	}
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

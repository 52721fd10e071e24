package cmd

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/database"
	"github.com/CodeMonkeyCybersecurity/scout/internal/fixtures"
	"github.com/CodeMonkeyCybersecurity/scout/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/scout/internal/notify"
	"github.com/CodeMonkeyCybersecurity/scout/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/scout/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/scout/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/validators"
)

// runtime holds everything a scanning command needs. close releases it in
// reverse order of construction.
type runtime struct {
	store      core.Store
	telemetry  core.Telemetry
	queue      core.NotificationQueue
	dispatcher *notify.Dispatcher
	scanner    *scanner.AppScanner

	closers []func() error
}

func newRuntime(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.telemetry = tel
	rt.closers = append(rt.closers, tel.Close)

	queue, err := notify.NewQueue(cfg.Notify, cfg.Redis, log)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to initialize notification queue: %w", err)
	}
	rt.queue = queue
	rt.closers = append(rt.closers, queue.Close)

	sender, err := notify.NewSender(cfg.SMTP, log)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to initialize notification sender: %w", err)
	}
	rt.dispatcher = notify.NewDispatcher(queue, sender, cfg.Notify.Workers, cfg.Notify.MaxRetries, log)

	limiter := ratelimit.NewLimiter(ratelimit.FromConfig(cfg.Scanner))
	rt.closers = append(rt.closers, func() error {
		stats := limiter.GetStats()
		log.Debugw("Probe limiter stats",
			"tracked_hosts", stats.TrackedHosts,
			"burst_size", stats.BurstSize,
			"min_delay", stats.MinDelay.String(),
		)
		return nil
	})
	prober := probe.NewClient(
		httpclient.New(httpclient.FromConfig(cfg.HTTP)),
		log,
		probe.WithLimiter(limiter),
		probe.WithTelemetry(tel),
	)

	set := validators.NewSet(prober, validators.Options{
		SharedSecret:        cfg.Fixtures.SharedSecret,
		MaxConcurrentProbes: cfg.Scanner.MaxConcurrentProbes,
	})
	source := fixtures.NewHTTPSource(store, prober, cfg.Fixtures.SharedSecret, log)

	endpoints := scanner.NewAPIScanner(store, set, notify.NewQueueNotifier(queue), notify.NewComposer(cfg.Notify), tel, log)
	rt.scanner = scanner.NewAppScanner(store, endpoints, source, cfg.Scanner, tel, log)

	return rt, nil
}

// startDispatcher begins delivering notifications; close stops it.
func (rt *runtime) startDispatcher(ctx context.Context) error {
	if err := rt.dispatcher.Start(ctx); err != nil {
		return err
	}
	rt.closers = append(rt.closers, rt.dispatcher.Stop)
	return nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Warnw("Error during shutdown", "error", err)
		}
	}
	rt.closers = nil
}

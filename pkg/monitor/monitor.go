// Package monitor maintains the live subscription to the source chain and
// emits a deduplicated stream of finalized events. It self-heals on
// disconnect and on silent subscription death.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/internal/metrics"
	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// IntakeStore journals observed events durably and answers whether one
// already reached a terminal state.
type IntakeStore interface {
	IsSettled(ctx context.Context, eventID string) (bool, error)
	CreateSettlement(ctx context.Context, ev chain.Event) (bool, error)
}

// CursorStore persists the subscription resume position.
type CursorStore interface {
	GetCursor(ctx context.Context, chainName string) (string, error)
	SetCursor(ctx context.Context, chainName, cursor string) error
}

// Config controls reconnect and liveness behavior.
type Config struct {
	// Chain names the watched chain for cursor tracking and logs.
	Chain string `default:"source"`
	// ReconnectBase is the initial backoff after a subscription loss.
	ReconnectBase time.Duration `default:"1s"`
	// ReconnectMax caps the exponential backoff.
	ReconnectMax time.Duration `default:"30s"`
	// MaxAttemptsPerOutage bounds reconnect attempts before the monitor
	// raises a health alert. It keeps retrying at the capped interval after
	// alerting; an outage never crashes the process.
	MaxAttemptsPerOutage int `default:"10"`
	// SilenceWindow is how long the subscription may stay quiet before it
	// is treated as dead and re-established.
	SilenceWindow time.Duration `default:"5m"`
	// ProbeInterval is how often the liveness probe checks for silence.
	ProbeInterval time.Duration `default:"30s"`
	// Buffer sizes the outbound event channel.
	Buffer int `default:"64"`
}

// Monitor owns one long-lived subscription and republishes its events after
// a durable dedup check.
type Monitor struct {
	source  chain.Subscriber
	store   IntakeStore
	cursors CursorStore
	filter  chain.Filter
	cfg     Config
	logger  *zap.Logger

	out          chan chain.Event
	healthy      atomic.Bool
	lastActivity atomic.Int64
}

// New creates a monitor. cursors may be nil when resume tracking is not
// wanted; every other dependency is required.
func New(source chain.Subscriber, store IntakeStore, cursors CursorStore, filter chain.Filter, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, err
	}
	m := &Monitor{
		source:  source,
		store:   store,
		cursors: cursors,
		filter:  filter,
		cfg:     cfg,
		logger:  logger.With(zap.String("chain", cfg.Chain)),
		out:     make(chan chain.Event, cfg.Buffer),
	}
	m.healthy.Store(true)
	metrics.MonitorHealthy.Set(1)
	return m, nil
}

// Events returns the deduplicated event stream. The channel closes when Run
// returns.
func (m *Monitor) Events() <-chan chain.Event {
	return m.out
}

// Healthy reports whether the subscription is inside its reconnect budget.
// Surfaced on the readiness endpoint.
func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// Run blocks until ctx is cancelled, maintaining the subscription across
// disconnects and silence.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.out)

	for {
		sub, err := m.connect(ctx)
		if err != nil {
			return err
		}
		m.setHealthy(true)
		m.touch()

		if err := m.consume(ctx, sub); err != nil {
			sub.Unsubscribe()
			return err
		}
		sub.Unsubscribe()
		// Subscription lost; loop back into connect's backoff.
	}
}

// connect establishes a subscription with exponential backoff, alerting
// once the per-outage attempt budget is exhausted.
func (m *Monitor) connect(ctx context.Context) (chain.Subscription, error) {
	filter := m.filter
	if m.cursors != nil {
		if cursor, err := m.cursors.GetCursor(ctx, m.cfg.Chain); err != nil {
			m.logger.Warn("failed to load subscription cursor", zap.Error(err))
		} else if cursor != "" {
			filter.FromRef = cursor
		}
	}

	backoff := m.cfg.ReconnectBase
	for attempt := 0; ; attempt++ {
		sub, err := m.source.Subscribe(ctx, filter)
		if err == nil {
			if attempt > 0 {
				m.logger.Info("subscription re-established", zap.Int("attempts", attempt+1))
			}
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		metrics.ReconnectsTotal.WithLabelValues("connect_error").Inc()
		if attempt+1 >= m.cfg.MaxAttemptsPerOutage && m.healthy.Load() {
			m.setHealthy(false)
			m.logger.Error("reconnect budget exhausted, monitor unhealthy",
				zap.Int("attempts", attempt+1),
				zap.Error(err))
		} else {
			m.logger.Warn("subscription attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > m.cfg.ReconnectMax {
			backoff = m.cfg.ReconnectMax
		}
	}
}

// consume drains one subscription until it dies. A nil return means the
// subscription was lost and should be re-established; an error means ctx
// was cancelled.
func (m *Monitor) consume(ctx context.Context, sub chain.Subscription) error {
	probe := time.NewTicker(m.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				m.logger.Warn("subscription channel closed")
				metrics.ReconnectsTotal.WithLabelValues("stream_closed").Inc()
				return nil
			}
			m.touch()
			if err := m.deliver(ctx, ev); err != nil {
				return err
			}

		case err := <-sub.Err():
			if err != nil {
				m.logger.Warn("subscription error", zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("monitor", "subscription").Inc()
			}
			metrics.ReconnectsTotal.WithLabelValues("stream_error").Inc()
			return nil

		case <-probe.C:
			idle := time.Since(time.Unix(0, m.lastActivity.Load()))
			if idle > m.cfg.SilenceWindow {
				m.logger.Warn("subscription silent past window, forcing resubscribe",
					zap.Duration("idle", idle))
				metrics.ReconnectsTotal.WithLabelValues("silence").Inc()
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deliver journals the event, hands it to the pipeline, then advances the
// cursor. The journal write comes first so a crash after the cursor
// persists can never lose an event the source will not replay; when the
// write fails the event is still forwarded but the cursor holds, so the
// source re-delivers after a restart and the settlement unique key absorbs
// the duplicate.
func (m *Monitor) deliver(ctx context.Context, ev chain.Event) error {
	settled, err := m.store.IsSettled(ctx, ev.ID)
	if err != nil {
		m.logger.Warn("dedup check failed, forwarding event",
			zap.String("event_id", ev.ID), zap.Error(err))
	} else if settled {
		m.logger.Debug("event already settled, skipping", zap.String("event_id", ev.ID))
		metrics.EventsDeduped.WithLabelValues("monitor").Inc()
		return nil
	}

	journaled := true
	if _, err := m.store.CreateSettlement(ctx, ev); err != nil {
		journaled = false
		m.logger.Warn("failed to journal event, holding cursor",
			zap.String("event_id", ev.ID), zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("monitor", "store").Inc()
	}

	select {
	case m.out <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.EventsObserved.WithLabelValues(string(ev.Kind)).Inc()
	if journaled && m.cursors != nil && ev.Cursor != "" {
		if err := m.cursors.SetCursor(ctx, m.cfg.Chain, ev.Cursor); err != nil {
			m.logger.Warn("failed to persist cursor", zap.Error(err))
		}
	}
	return nil
}

func (m *Monitor) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Monitor) setHealthy(healthy bool) {
	m.healthy.Store(healthy)
	if healthy {
		metrics.MonitorHealthy.Set(1)
	} else {
		metrics.MonitorHealthy.Set(0)
	}
}

package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/rs/zerolog"
)

// DefaultCollectInterval is how often the collector refreshes gauges from the store.
const DefaultCollectInterval = 30 * time.Second

// Store defines the queries the collector needs.
type Store interface {
	CountDegradedSchedules(ctx context.Context) (int, error)
	GetGlobalDispatchSummary(ctx context.Context) (*models.DispatchSummary, error)
}

// Collector periodically refreshes the gauges that mirror persisted state.
type Collector struct {
	store    Store
	metrics  *PrometheusMetrics
	interval time.Duration
	logger   zerolog.Logger

	mu            sync.Mutex
	lastCollected time.Time
	stop          chan struct{}
	done          chan struct{}
}

// NewCollector creates a new Collector. A non-positive interval uses
// DefaultCollectInterval.
func NewCollector(store Store, m *PrometheusMetrics, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		store:    store,
		metrics:  m,
		interval: interval,
		logger:   logger.With().Str("component", "metrics_collector").Logger(),
	}
}

// Collect refreshes the gauges once. A failing query leaves its gauge at the
// previous value.
func (c *Collector) Collect(ctx context.Context) error {
	var firstErr error

	degraded, err := c.store.CountDegradedSchedules(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect degraded schedules")
		firstErr = fmt.Errorf("count degraded schedules: %w", err)
	} else {
		c.metrics.SetDegradedSchedules(degraded)
	}

	summary, err := c.store.GetGlobalDispatchSummary(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect dispatch summary")
		if firstErr == nil {
			firstErr = fmt.Errorf("get dispatch summary: %w", err)
		}
	} else if summary != nil {
		c.metrics.SetDispatchSummary(summary)
	}

	c.mu.Lock()
	c.lastCollected = time.Now()
	c.mu.Unlock()

	return firstErr
}

// LastCollected returns when Collect last ran.
func (c *Collector) LastCollected() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCollected
}

// Start collects once and then on every interval until ctx is done or Stop
// is called.
func (c *Collector) Start(ctx context.Context) {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	_ = c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			_ = c.Collect(ctx)
		}
	}
}

// Stop signals the collector to stop and waits for it to finish.
func (c *Collector) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}

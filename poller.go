package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"stratasysbridge/internal/printer"
)

const (
	DefaultScanInterval = 30 * time.Second
	MinScanInterval     = 5 * time.Second
	MaxScanInterval     = 600 * time.Second
)

var ErrInvalidInterval = errors.New("scan interval out of range")

type Fetcher interface {
	FetchStatus(ctx context.Context) (printer.Status, error)
}

type PollerConfig struct {
	Logger   *slog.Logger
	Fetcher  Fetcher
	Clock    clockwork.Clock
	Interval time.Duration
}

func (c *PollerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	return ValidateInterval(c.Interval)
}

func ValidateInterval(d time.Duration) error {
	if d < MinScanInterval || d > MaxScanInterval {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidInterval, d, MinScanInterval, MaxScanInterval)
	}
	return nil
}

// Poller refreshes the printer snapshot on a fixed interval and fans each new
// snapshot out to subscribers. Only one fetch is in flight at a time.
type Poller struct {
	logger  *slog.Logger
	fetcher Fetcher
	clock   clockwork.Clock

	mu        sync.RWMutex
	interval  time.Duration
	last      Snapshot
	listeners []func(Snapshot)

	intervalChanged chan struct{}
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Poller{
		logger:          cfg.Logger,
		fetcher:         cfg.Fetcher,
		clock:           cfg.Clock,
		interval:        cfg.Interval,
		intervalChanged: make(chan struct{}, 1),
	}, nil
}

// Subscribe registers fn to be called with every new snapshot. Listeners run
// on the polling goroutine.
func (p *Poller) Subscribe(fn func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// SetInterval changes the polling interval. The next poll happens one full
// new interval after the change.
func (p *Poller) SetInterval(d time.Duration) error {
	if err := ValidateInterval(d); err != nil {
		return err
	}

	p.mu.Lock()
	changed := p.interval != d
	p.interval = d
	p.mu.Unlock()

	if changed {
		select {
		case p.intervalChanged <- struct{}{}:
		default:
		}
	}

	return nil
}

func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval()
	p.logger.Info("Starting poller.", "interval", interval)

	p.Poll(ctx)

	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping poller.")
			return nil
		case <-p.intervalChanged:
			interval = p.Interval()
			ticker.Reset(interval)
			p.logger.Info("Scan interval changed.", "interval", interval)
		case <-ticker.Chan():
			p.Poll(ctx)
		}
	}
}

// Poll fetches status once, replaces the snapshot and notifies listeners.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	start := p.clock.Now()
	status, err := p.fetcher.FetchStatus(ctx)
	MetricPollDuration.Observe(p.clock.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		return p.Snapshot()
	}

	p.mu.Lock()
	snap := Snapshot{FetchedAt: p.clock.Now()}
	if err != nil {
		snap.Err = err
		snap.Failures = p.last.Failures + 1
	} else {
		snap.Online = true
		snap.Status = status
	}
	p.last = snap
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Failed to poll printer.", "failures", snap.Failures, "err", err)
		MetricPolls.WithLabelValues("failure").Inc()
		MetricPollErrors.WithLabelValues(printer.Kind(err)).Inc()
		MetricPrinterUp.Set(0)
	} else {
		p.logger.Debug("Polled printer.", "status", snap.Status.Section("general")["modelerStatus"])
		MetricPolls.WithLabelValues("success").Inc()
		MetricPrinterUp.Set(1)
	}

	for _, fn := range listeners {
		fn(snap)
	}

	return snap
}

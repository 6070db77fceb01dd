package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aircloud/internal/aircloud"
	"aircloud/internal/clock"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Poller defaults
const (
	DefaultPollInterval = 60 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	maxParallelFetches  = 4
)

// ErrNoFamilies is returned when the account has no families to poll.
var ErrNoFamilies = errors.New("no families on account")

// PollerConfig controls polling cadence
type PollerConfig struct {
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Poller periodically loads climate data for every family into a Store
type Poller struct {
	service  aircloud.Service
	store    *Store
	cfg      PollerConfig
	clock    clock.Clock
	logger   *zap.Logger
	mu       sync.RWMutex
	families []aircloud.ID
	lastPoll time.Time
}

// NewPoller creates a poller. Zero config values select the defaults.
func NewPoller(service aircloud.Service, store *Store, cfg PollerConfig, clk clock.Clock, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Poller{
		service: service,
		store:   store,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

// Discover reloads the family list
func (p *Poller) Discover(ctx context.Context) ([]aircloud.ID, error) {
	families, err := p.service.LoadFamilyIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover families: %w", err)
	}

	p.mu.Lock()
	p.families = append([]aircloud.ID(nil), families...)
	p.mu.Unlock()

	ids := make([]string, len(families))
	for i, id := range families {
		ids[i] = id.String()
	}
	p.logger.Info("Discovered AirCloud families", zap.Strings("families", ids))
	return families, nil
}

// Families returns the last discovered family list
func (p *Poller) Families() []aircloud.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]aircloud.ID(nil), p.families...)
}

// LastPoll returns when the last full poll finished
func (p *Poller) LastPoll() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPoll
}

// PollOnce fetches every family in parallel. Families are discovered first
// when none are known yet.
func (p *Poller) PollOnce(ctx context.Context) error {
	families := p.Families()
	if len(families) == 0 {
		var err error
		families, err = p.Discover(ctx)
		if err != nil {
			return err
		}
		if len(families) == 0 {
			return ErrNoFamilies
		}
	}

	var g errgroup.Group
	g.SetLimit(maxParallelFetches)
	for _, familyID := range families {
		g.Go(func() error {
			return p.PollFamily(ctx, familyID)
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.lastPoll = p.clock.Now()
	p.mu.Unlock()
	return err
}

// PollFamily fetches one family under the fetch timeout. A fetch that
// yields no data leaves the cache untouched.
func (p *Poller) PollFamily(ctx context.Context, familyID aircloud.ID) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	states, err := p.service.LoadClimateData(fetchCtx, familyID)
	if err != nil {
		return fmt.Errorf("family %s: %w", familyID, err)
	}
	if states == nil {
		p.logger.Debug("No climate data this round", zap.String("family_id", familyID.String()))
		return nil
	}

	changed := p.store.Update(familyID, states)
	p.logger.Debug("Polled family",
		zap.String("family_id", familyID.String()),
		zap.Int("devices", len(states)),
		zap.Int("changed", changed))
	return nil
}

// Run polls immediately and then every interval until ctx is done
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting poller",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("fetch_timeout", p.cfg.FetchTimeout))

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Stopping poller")
			return
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

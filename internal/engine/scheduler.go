// Package engine contains the cycle scheduler, the sole driver of the
// matching and settlement pipeline.
package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swapd/internal/match"
	"swapd/internal/order"
	"swapd/internal/settle"
	"swapd/internal/store"
)

// Config tunes the scheduler. Correctness does not depend on the interval
// values, only on eventual execution.
type Config struct {
	CycleInterval time.Duration
	SweepInterval time.Duration
	MaxRetries    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval: 5 * time.Second,
		SweepInterval: 30 * time.Second,
		MaxRetries:    3,
	}
}

// Scheduler periodically pulls open orders per pair, invokes the matcher,
// persists the resulting matches and hands them to the trade executor. A
// separate sweep expires stale orders. Pairs are matched concurrently;
// per-order serialization is the executor's job.
type Scheduler struct {
	store    *store.Store
	executor *settle.TradeExecutor
	log      *zap.Logger
	config   Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(st *store.Store, executor *settle.TradeExecutor, log *zap.Logger, config Config) *Scheduler {
	if config.CycleInterval <= 0 {
		config.CycleInterval = DefaultConfig().CycleInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Scheduler{
		store:    st,
		executor: executor,
		log:      log,
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the cycle and sweep loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(2)
	go s.cycleLoop()
	go s.sweepLoop()
	s.log.Info("scheduler started",
		zap.Duration("cycle_interval", s.config.CycleInterval),
		zap.Duration("sweep_interval", s.config.SweepInterval))
}

// Stop halts both loops and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) cycleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunCycle(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunSweep()
		case <-s.stopCh:
			return
		}
	}
}

// RunCycle executes one full cycle: match every active pair, then work the
// retry and cross-chain backlogs. An error in one pair never stops the
// others.
func (s *Scheduler) RunCycle(ctx context.Context) {
	now := time.Now()
	pairs, err := s.store.ActivePairs(now)
	if err != nil {
		s.log.Error("list active pairs", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			s.matchPair(ctx, pair, now)
		}(pair)
	}
	wg.Wait()

	s.requeueFailed(ctx)
	s.pollCrossChain(ctx)
}

// matchPair runs one pair's pipeline: snapshot, match, persist, execute.
func (s *Scheduler) matchPair(ctx context.Context, pair string, now time.Time) {
	open, err := s.store.OpenOrdersForPair(pair, now)
	if err != nil {
		s.log.Error("load open orders", zap.String("pair", pair), zap.Error(err))
		return
	}
	if len(open) < 2 {
		return
	}

	// Net out liquidity held by in-flight matches so an order settling
	// asynchronously (e.g. waiting on a bridge) is not matched again.
	reserved, err := s.store.ReservedAmounts()
	if err != nil {
		s.log.Error("load reserved amounts", zap.String("pair", pair), zap.Error(err))
		return
	}
	for _, o := range open {
		if r, ok := reserved[o.ID]; ok {
			o.FilledAmount = new(big.Int).Add(o.FilledAmount, r)
		}
	}

	for _, c := range match.Match(open, now) {
		m := s.newMatch(c, now)
		if err := s.store.InsertMatch(m); err != nil {
			s.log.Error("persist match",
				zap.String("pair", pair),
				zap.String("buy_order", c.BuyOrder.ID),
				zap.String("sell_order", c.SellOrder.ID),
				zap.Error(err))
			continue
		}
		s.log.Info("match created",
			zap.String("match_id", m.ID),
			zap.String("pair", pair),
			zap.String("amount", m.MatchedAmount.String()),
			zap.String("price", m.MatchedPrice.String()))

		if err := s.executor.Execute(ctx, m.ID); err != nil {
			s.log.Warn("match execution error",
				zap.String("match_id", m.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) newMatch(c match.Candidate, now time.Time) *order.Match {
	return &order.Match{
		ID:             uuid.New().String(),
		BuyOrderID:     c.BuyOrder.ID,
		SellOrderID:    c.SellOrder.ID,
		MatchedAmount:  c.Amount,
		QuoteAmount:    c.QuoteAmount,
		MatchedPrice:   c.Price,
		ExecutionChain: c.SellOrder.SourceChain,
		Status:         order.MatchPending,
		MaxRetries:     s.config.MaxRetries,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// requeueFailed re-attempts failed matches that still have retry budget.
func (s *Scheduler) requeueFailed(ctx context.Context) {
	failed, err := s.store.MatchesByStatus(order.MatchFailed, 100)
	if err != nil {
		s.log.Error("list failed matches", zap.Error(err))
		return
	}
	for _, m := range failed {
		if !m.Retryable() {
			continue
		}
		if err := s.store.RequeueMatch(m.ID); err != nil {
			continue // lost the race or budget ran out, either is fine
		}
		if err := s.executor.Execute(ctx, m.ID); err != nil {
			s.log.Warn("retry execution error",
				zap.String("match_id", m.ID), zap.Error(err))
		}
	}
}

// pollCrossChain checks delivery state for matches waiting on a bridge.
func (s *Scheduler) pollCrossChain(ctx context.Context) {
	executing, err := s.store.MatchesByStatus(order.MatchExecuting, 100)
	if err != nil {
		s.log.Error("list executing matches", zap.Error(err))
		return
	}
	for _, m := range executing {
		if m.CrossChain == nil || m.CrossChain.MessageID == "" {
			continue
		}
		if err := s.executor.FinalizeCrossChain(ctx, m.ID); err != nil {
			s.log.Warn("cross-chain finalize error",
				zap.String("match_id", m.ID), zap.Error(err))
		}
	}
}

// RunSweep expires every fillable order whose expiry has passed, so stale
// orders never reach the matcher again.
func (s *Scheduler) RunSweep() {
	ids, err := s.store.ExpireStale(time.Now())
	if err != nil {
		s.log.Error("expiry sweep", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		s.log.Info("expired stale orders", zap.Int("count", len(ids)))
	}
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic jobs: candle refresh, escalation sweep and
// candle retention cleanup. SkipIfStillRunning is the best-effort single-flight
// guard; correctness never depends on it because candle writes are idempotent
// upserts and escalation is gated by the notification log.
type Scheduler struct {
	cron          *cron.Cron
	aggregator    *CandleAggregator
	engine        *EscalationEngine
	candleEvery   time.Duration
	sweepEvery    time.Duration
	retentionDays int
}

func NewScheduler(aggregator *CandleAggregator, engine *EscalationEngine, candleMinutes, sweepMinutes, retentionDays int) *Scheduler {
	logger := &cronLogger{}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		aggregator:    aggregator,
		engine:        engine,
		candleEvery:   time.Duration(candleMinutes) * time.Minute,
		sweepEvery:    time.Duration(sweepMinutes) * time.Minute,
		retentionDays: retentionDays,
	}
}

func (s *Scheduler) Start() error {
	// Each job yields before the next tick is due.
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.candleEvery), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.candleEvery-30*time.Second)
		defer cancel()
		summary := s.aggregator.GenerateRecent(ctx)
		slog.Info("Candle refresh finished", "agents", summary.Agents,
			"candles", summary.Candles, "errors", len(summary.Errors))
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.sweepEvery), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.sweepEvery-30*time.Second)
		defer cancel()
		s.engine.Sweep(ctx)
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		deleted, err := s.aggregator.CleanupOldCandles(ctx, s.retentionDays)
		if err != nil {
			slog.Error("Candle cleanup failed", "error", err)
			return
		}
		slog.Info("Candle cleanup finished", "deleted", deleted)
	}); err != nil {
		return err
	}

	s.cron.Start()
	slog.Info("Scheduler started", "candle_every", s.candleEvery,
		"sweep_every", s.sweepEvery, "retention_days", s.retentionDays)
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Scheduler stopped")
}

// cronLogger adapts cron's logger interface onto slog.
type cronLogger struct{}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Info("cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{"error", err}, keysAndValues...)
	slog.Error("cron: "+msg, args...)
}

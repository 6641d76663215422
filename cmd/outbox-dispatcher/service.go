package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mercaro-io/backoffice/pkg/config"
	"github.com/mercaro-io/backoffice/pkg/logger"
	"github.com/mercaro-io/backoffice/pkg/outbox"
	"github.com/mercaro-io/backoffice/pkg/redis"
)

const (
	defaultPollMs = 500
	maxErrBackoff = 10 * time.Second
	jitterWindow  = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type pinger interface {
	Ping(context.Context) error
}

type batchDispatcher interface {
	DispatchDueMessages(ctx context.Context) (outbox.DispatchStats, error)
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         pinger
	Dispatcher batchDispatcher
	Lock       redis.Lock
}

// Service runs the dispatch loop: take the cycle lock, drain one batch, back
// off with jitter when idle or erroring.
type Service struct {
	cfg          *config.Config
	logg         *logger.Logger
	db           pinger
	dispatcher   batchDispatcher
	lock         redis.Lock
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	lock := params.Lock
	if lock == nil {
		lock = redis.NoopLock{}
	}
	pollMs := params.Config.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	return &Service{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		dispatcher:   params.Dispatcher,
		lock:         lock,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	errBackoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox dispatcher context canceled")
			return ctx.Err()
		default:
		}

		drained, err := s.runCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logg.Error(ctx, "outbox dispatch cycle error", err)
			errBackoff = nextBackoff(errBackoff, interval, maxErrBackoff)
			if err := s.sleep(ctx, withJitter(errBackoff)); err != nil {
				return err
			}
			continue
		}

		errBackoff = interval

		// A full batch suggests more work is waiting.
		if drained {
			continue
		}
		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

func (s *Service) runCycle(ctx context.Context) (bool, error) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "failed to release cycle lock")
		}
	}()

	stats, err := s.dispatcher.DispatchDueMessages(ctx)
	if err != nil {
		return false, err
	}
	if stats.Fetched > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"fetched":     stats.Fetched,
			"done":        stats.Done,
			"retried":     stats.Retried,
			"dead":        stats.Dead,
			"claims_lost": stats.ClaimsLost,
			"unmatched":   stats.Unmatched,
		}), "outbox batch dispatched")
	}
	return stats.Fetched >= s.cfg.Outbox.BatchSize && s.cfg.Outbox.BatchSize > 0, nil
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}

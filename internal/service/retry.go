package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/whetstone1/budgetrank/internal/metrics"
	"github.com/whetstone1/budgetrank/internal/repository"
)

// withLedgerRetry выполняет операцию над реестром, повторяя её при конфликте или таймауте хранилища.
// Каждая попытка ограничена StoreTimeout.
func (s *Service) withLedgerRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	base := s.opts.RetryBackoff
	if base <= 0 {
		base = DefaultOptions().RetryBackoff
	}

	maxRetries := s.opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewExponential(base))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordLedgerRetry(op)
		}

		attemptCtx := ctx
		if s.opts.StoreTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.opts.StoreTimeout)
			defer cancel()
		}

		start := time.Now()
		err := fn(attemptCtx)
		metrics.ObserveLedger(op, ledgerStatus(err), time.Since(start))

		if isTransient(err) && ctx.Err() == nil {
			s.logger.Warn("ledger operation failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}

		return err
	})
}

func isTransient(err error) bool {
	return errors.Is(err, repository.ErrLedgerConflict) || errors.Is(err, repository.ErrStoreTimeout)
}

func ledgerStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isTransient(err):
		return "transient"
	default:
		return "error"
	}
}

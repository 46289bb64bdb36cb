package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/repository"
)

// Distributor - часть сервиса, выполняющая распределение фонда.
type Distributor interface {
	Distribute(ctx context.Context) (*model.DistributionRecord, error)
}

// DistributeHandler обрабатывает задачи TaskTypeDistribute.
type DistributeHandler struct {
	distributor Distributor
	logger      *zap.Logger
}

// NewDistributeHandler создаёт обработчик задачи распределения.
func NewDistributeHandler(d Distributor, logger *zap.Logger) *DistributeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DistributeHandler{distributor: d, logger: logger}
}

// ProcessTask распределяет фонд. Пустой фонд и отсутствие участников не считаются ошибкой задачи,
// остальные ошибки возвращаются в очередь для повтора.
func (h *DistributeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload DistributePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("distribute task: failed to decode payload", zap.String("task_type", t.Type()), zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := h.distributor.Distribute(ctx)
	switch {
	case errors.Is(err, repository.ErrNothingToDistribute), errors.Is(err, repository.ErrNoEligibleWinners):
		h.logger.Info("distribute task: skipped", zap.String("trigger", payload.Trigger), zap.String("reason", err.Error()))
		return nil
	case err != nil:
		h.logger.Error("distribute task: failed", zap.String("trigger", payload.Trigger), zap.Error(err))
		return err
	}

	h.logger.Info("distribute task: done",
		zap.String("trigger", payload.Trigger),
		zap.Int64("cycle", rec.Cycle),
		zap.Int64("distributed_cents", rec.DistributedCents),
	)
	return nil
}

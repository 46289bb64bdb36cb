// Package jobs запускает распределение призового фонда по расписанию через очередь asynq.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeDistribute - тип задачи распределения призового фонда.
const TaskTypeDistribute = "prize:distribute"

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

const (
	distributeMaxRetry  = 5
	distributeTimeout   = time.Minute
	distributeUniqueTTL = 10 * time.Minute
)

// DistributePayload - полезная нагрузка задачи распределения.
type DistributePayload struct {
	Trigger string `json:"trigger"`
}

// NewDistributeTask создаёт задачу распределения. Повторная постановка той же задачи
// в пределах distributeUniqueTTL отклоняется очередью.
func NewDistributeTask(trigger string) (*asynq.Task, error) {
	payload, err := json.Marshal(DistributePayload{Trigger: trigger})
	if err != nil {
		return nil, fmt.Errorf("marshal distribute payload: %w", err)
	}

	return asynq.NewTask(TaskTypeDistribute, payload,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(distributeMaxRetry),
		asynq.Timeout(distributeTimeout),
		asynq.Unique(distributeUniqueTTL),
	), nil
}

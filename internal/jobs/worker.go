package jobs

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Worker обрабатывает задачи из очереди asynq.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewWorker создаёт обработчик очереди поверх asynq.Server.
func NewWorker(redisOpt asynq.RedisConnOpt, logger *zap.Logger) *Worker {
	server := asynq.NewServer(redisOpt, asynq.Config{
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
		},
		Concurrency:    2,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Logger:         logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("jobs worker: task failed",
				zap.String("task_type", task.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
	})

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
}

// RegisterHandler связывает тип задачи с обработчиком.
func (w *Worker) RegisterHandler(taskType string, handler asynq.Handler) {
	w.mux.Handle(taskType, handler)
}

// Start запускает обработку задач и сразу возвращает управление.
func (w *Worker) Start() error {
	w.logger.Info("jobs worker: starting")
	return w.server.Start(w.mux)
}

// Shutdown дожидается завершения текущих задач и останавливает обработчик.
func (w *Worker) Shutdown() {
	w.logger.Info("jobs worker: shutting down")
	w.server.Shutdown()
}

package jobs

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Scheduler ставит задачу распределения в очередь по cron-расписанию.
type Scheduler struct {
	scheduler *asynq.Scheduler
	cronSpec  string
	logger    *zap.Logger
}

// NewScheduler создаёт планировщик. Расписание задаётся в UTC.
func NewScheduler(redisOpt asynq.RedisConnOpt, cronSpec string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   logger.Sugar(),
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil {
					logger.Warn("scheduler: enqueue failed", zap.Error(err))
					return
				}
				logger.Info("scheduler: task enqueued", zap.String("task_id", info.ID), zap.String("queue", info.Queue))
			},
		}),
		cronSpec: cronSpec,
		logger:   logger,
	}
}

// RegisterTasks регистрирует периодическое распределение фонда.
func (s *Scheduler) RegisterTasks() error {
	task, err := NewDistributeTask("schedule")
	if err != nil {
		return err
	}

	entryID, err := s.scheduler.Register(s.cronSpec, task)
	if err != nil {
		return fmt.Errorf("register distribute task %q: %w", s.cronSpec, err)
	}

	s.logger.Info("scheduler: registered distribute task", zap.String("cron", s.cronSpec), zap.String("entry_id", entryID))
	return nil
}

// Start запускает планировщик и сразу возвращает управление.
func (s *Scheduler) Start() error {
	s.logger.Info("scheduler: starting")
	return s.scheduler.Start()
}

// Shutdown останавливает планировщик.
func (s *Scheduler) Shutdown() {
	s.logger.Info("scheduler: shutting down")
	s.scheduler.Shutdown()
}

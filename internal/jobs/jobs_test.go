package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/repository"
)

type stubDistributor struct {
	rec   *model.DistributionRecord
	err   error
	calls int
}

func (s *stubDistributor) Distribute(ctx context.Context) (*model.DistributionRecord, error) {
	s.calls++
	return s.rec, s.err
}

func TestNewDistributeTask(t *testing.T) {
	task, err := NewDistributeTask("schedule")
	require.NoError(t, err)

	assert.Equal(t, TaskTypeDistribute, task.Type())

	var payload DistributePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "schedule", payload.Trigger)
}

func TestDistributeHandler(t *testing.T) {
	task, err := NewDistributeTask("schedule")
	require.NoError(t, err)

	transient := errors.New("ledger conflict")

	tests := []struct {
		name    string
		rec     *model.DistributionRecord
		err     error
		wantErr error
	}{
		{name: "distributed", rec: &model.DistributionRecord{ID: uuid.New(), Cycle: 1, DistributedCents: 300}},
		{name: "empty pool is not a failure", err: repository.ErrNothingToDistribute},
		{name: "no winners is not a failure", err: repository.ErrNoEligibleWinners},
		{name: "other errors are retried", err: transient, wantErr: transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDistributor{rec: tt.rec, err: tt.err}
			h := NewDistributeHandler(d, zap.NewNop())

			err := h.ProcessTask(context.Background(), task)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, d.calls)
		})
	}
}

func TestDistributeHandler_BadPayloadSkipsRetry(t *testing.T) {
	d := &stubDistributor{}
	h := NewDistributeHandler(d, nil)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeDistribute, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, d.calls)
}

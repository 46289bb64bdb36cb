package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/money"
	"github.com/whetstone1/budgetrank/internal/repository"
)

type prizePoolResponse struct {
	Total           float64 `json:"total"`
	LastDistributed *string `json:"last_distributed"`
	Cycle           int64   `json:"cycle"`
}

type winnerResponse struct {
	Rank              int     `json:"rank"`
	Username          string  `json:"username"`
	SavingsPercentage float64 `json:"savings_percentage"`
	Share             float64 `json:"share"`
}

type distributionResponse struct {
	ID            string           `json:"id"`
	Cycle         int64            `json:"cycle"`
	DistributedAt string           `json:"distributed_at"`
	Distributed   float64          `json:"distributed"`
	Winners       []winnerResponse `json:"winners"`
}

func newDistributionResponse(rec *model.DistributionRecord) distributionResponse {
	winners := make([]winnerResponse, 0, len(rec.Winners))
	for _, w := range rec.Winners {
		winners = append(winners, winnerResponse{
			Rank:              w.Rank,
			Username:          w.Username,
			SavingsPercentage: w.SavingsPercentage,
			Share:             money.ToFloat(w.ShareCents),
		})
	}

	return distributionResponse{
		ID:            rec.ID.String(),
		Cycle:         rec.Cycle,
		DistributedAt: rec.DistributedAt.Format(time.RFC3339),
		Distributed:   money.ToFloat(rec.DistributedCents),
		Winners:       winners,
	}
}

// GetPrizePool возвращает текущее состояние призового фонда.
func (h *Handler) GetPrizePool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.service.GetPrizePool(r.Context())
	if err != nil {
		h.logger.Error("get prize pool error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := prizePoolResponse{
		Total: money.ToFloat(pool.TotalCents),
		Cycle: pool.Cycle,
	}
	if pool.LastDistributed != nil {
		s := pool.LastDistributed.Format(time.RFC3339)
		resp.LastDistributed = &s
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetLastDistribution возвращает последнее распределение фонда.
func (h *Handler) GetLastDistribution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.LastDistribution(r.Context())
	if err != nil {
		h.logger.Error("get last distribution error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, newDistributionResponse(rec))
}

// GetDistribution возвращает распределение указанного цикла.
func (h *Handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	cycle, err := strconv.ParseInt(chi.URLParam(r, "cycle"), 10, 64)
	if err != nil || cycle < 1 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.DistributionByCycle(r.Context(), cycle)
	if err != nil {
		if errors.Is(err, repository.ErrDistributionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get distribution error", zap.Error(err), zap.Int64("cycle", cycle))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newDistributionResponse(rec))
}

// Distribute запускает распределение призового фонда. Доступно только администратору.
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Distribute(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNothingToDistribute), errors.Is(err, repository.ErrNoEligibleWinners):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		case errors.Is(err, repository.ErrLedgerConflict), isTimeout(err):
			h.logger.Warn("distribute unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		default:
			h.logger.Error("distribute error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, newDistributionResponse(rec))
}

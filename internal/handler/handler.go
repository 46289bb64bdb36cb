// Package handler содержит HTTP-обработчики API сервиса budgetrank.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/whetstone1/budgetrank/internal/middleware"
	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/money"
	"github.com/whetstone1/budgetrank/internal/payment"
	"github.com/whetstone1/budgetrank/internal/ratelimit"
	"github.com/whetstone1/budgetrank/internal/repository"
	"github.com/whetstone1/budgetrank/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	RegisterUser(ctx context.Context, username, password string) (int64, error)
	AuthenticateUser(ctx context.Context, username, password string) (int64, error)
	AddBudget(ctx context.Context, userID, incomeCents, expensesCents int64) (*model.Budget, error)
	GetLeaderboard(ctx context.Context, tier model.IncomeTier) ([]model.LeaderboardEntry, error)
	GetSubscription(ctx context.Context, userID int64) (*model.Subscription, error)
	Subscribe(ctx context.Context, userID int64, plan, paymentMethod string) (*repository.PaymentResult, error)
	Distribute(ctx context.Context) (*model.DistributionRecord, error)
	GetPrizePool(ctx context.Context) (*model.PrizePool, error)
	LastDistribution(ctx context.Context) (*model.DistributionRecord, error)
	DistributionByCycle(ctx context.Context, cycle int64) (*model.DistributionRecord, error)
}

// HealthCheck проверяет доступность внешней зависимости.
type HealthCheck func(ctx context.Context) error

// Handler реализует HTTP-обработчики API сервиса budgetrank.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminAuth      *middleware.AdminAuth
	limiter        ratelimit.Limiter
	validate       *validator.Validate
	checks         map[string]HealthCheck
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. limiter может быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, admin *middleware.AdminAuth, limiter ratelimit.Limiter) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminAuth:      admin,
		limiter:        limiter,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		checks: map[string]HealthCheck{
			"postgres": s.Ping,
		},
	}
}

// AddHealthCheck добавляет проверку зависимости в /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

func (h *Handler) decode(r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return false
	}
	return h.validate.Struct(dst) == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func isTimeout(err error) bool {
	return errors.Is(err, repository.ErrStoreTimeout) || errors.Is(err, context.DeadlineExceeded)
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и выдаёт cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type budgetRequest struct {
	TotalIncome   float64 `json:"total_income" validate:"gte=0"`
	TotalExpenses float64 `json:"total_expenses" validate:"gte=0"`
}

type budgetResponse struct {
	ID                int64   `json:"id"`
	TotalIncome       float64 `json:"total_income"`
	TotalExpenses     float64 `json:"total_expenses"`
	SavingsPercentage float64 `json:"savings_percentage"`
	IncomeTier        string  `json:"income_tier"`
}

// AddBudget сохраняет бюджет текущего пользователя.
func (h *Handler) AddBudget(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req budgetRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	income, err := money.FromFloat(req.TotalIncome)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	expenses, err := money.FromFloat(req.TotalExpenses)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	b, err := h.service.AddBudget(r.Context(), userID, income, expenses)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUnknownUser):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		default:
			h.logger.Error("add budget error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, budgetResponse{
		ID:                b.ID,
		TotalIncome:       money.ToFloat(b.TotalIncomeCents),
		TotalExpenses:     money.ToFloat(b.TotalExpensesCents),
		SavingsPercentage: b.SavingsPercentage,
		IncomeTier:        string(b.IncomeTier),
	})
}

// GetLeaderboard возвращает таблицу лидеров, при необходимости отфильтрованную по группе дохода.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	var tier model.IncomeTier
	if raw := r.URL.Query().Get("income_tier"); raw != "" {
		parsed, ok := model.ParseIncomeTier(raw)
		if !ok {
			http.Error(w, "unknown income tier", http.StatusBadRequest)
			return
		}
		tier = parsed
	}

	entries, err := h.service.GetLeaderboard(r.Context(), tier)
	if err != nil {
		h.logger.Error("get leaderboard error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

type subscribeRequest struct {
	Plan          string `json:"plan" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"required"`
}

type subscriptionResponse struct {
	Plan            string  `json:"plan"`
	Amount          float64 `json:"amount"`
	Contribution    float64 `json:"contribution"`
	NextPaymentDate string  `json:"next_payment_date"`
	PoolTotal       float64 `json:"pool_total,omitempty"`
}

func newSubscriptionResponse(sub model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		Plan:            sub.Plan,
		Amount:          money.ToFloat(sub.AmountCents),
		Contribution:    money.ToFloat(sub.PrizeContributionCents),
		NextPaymentDate: sub.NextPaymentDate.Format(time.RFC3339),
	}
}

// Subscribe оплачивает подписку текущего пользователя и зачисляет взнос в призовой фонд.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req subscribeRequest
	if !h.decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Subscribe(r.Context(), userID, req.Plan, req.PaymentMethod)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrPaymentRejected):
			writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: err.Error()})
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUnknownUser):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, repository.ErrLedgerConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case isTimeout(err), errors.Is(err, service.ErrPaymentUnavailable):
			h.logger.Warn("subscribe unavailable", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("subscribe error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := newSubscriptionResponse(res.Subscription)
	resp.PoolTotal = money.ToFloat(res.PoolTotalCents)

	writeJSON(w, http.StatusOK, resp)
}

// GetSubscription возвращает подписку текущего пользователя.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("get subscription error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newSubscriptionResponse(*sub))
}

// Package service реализует бизнес-логику сервиса budgetrank.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/whetstone1/budgetrank/internal/metrics"
	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/money"
	"github.com/whetstone1/budgetrank/internal/payment"
	"github.com/whetstone1/budgetrank/internal/repository"
)

var (
	// ErrInvalidAmount возвращается для неположительной суммы платежа или отрицательных сумм бюджета.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrMissingChargeID возвращается для платежа без идентификатора списания.
	ErrMissingChargeID = errors.New("missing charge id")
	// ErrInvalidCredentials возвращается при неверной паре имя пользователя и пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPaymentUnavailable возвращается, если платёжный провайдер не настроен.
	ErrPaymentUnavailable = errors.New("payment provider is not configured")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, username string, passwordHash []byte) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetSubscription(ctx context.Context, userID int64) (*model.Subscription, error)
	AddBudget(ctx context.Context, b model.Budget) (int64, error)
	GetLeaderboard(ctx context.Context, tier model.IncomeTier) ([]model.LeaderboardEntry, error)
	RecordPayment(ctx context.Context, fact model.PaymentFact) (*repository.PaymentResult, error)
	Distribute(ctx context.Context, limit int, now time.Time) (*model.DistributionRecord, error)
	GetPrizePool(ctx context.Context) (*model.PrizePool, error)
	GetLastDistribution(ctx context.Context) (*model.DistributionRecord, error)
	GetDistributionByCycle(ctx context.Context, cycle int64) (*model.DistributionRecord, error)
}

// Options задаёт параметры работы с призовым реестром.
type Options struct {
	// PrizeWinners - число победителей в цикле распределения.
	PrizeWinners int
	// StoreTimeout ограничивает одну попытку операции над реестром.
	StoreTimeout time.Duration
	// MaxRetries - число повторов при конфликте или таймауте хранилища.
	MaxRetries int
	// RetryBackoff - начальная задержка экспоненциального повтора.
	RetryBackoff time.Duration
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		PrizeWinners: 3,
		StoreTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Service содержит бизнес-логику сервиса budgetrank.
type Service struct {
	repo     Repository
	provider payment.Provider
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewService создаёт новый сервис. provider может быть nil, тогда оформление подписки недоступно.
func NewService(repo Repository, provider payment.Provider, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PrizeWinners <= 0 {
		opts.PrizeWinners = DefaultOptions().PrizeWinners
	}

	return &Service{
		repo:     repo,
		provider: provider,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, username, hashed)
}

// AuthenticateUser проверяет имя пользователя и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (int64, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownUser) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// AddBudget сохраняет бюджет пользователя и возвращает его с рассчитанными показателями.
func (s *Service) AddBudget(ctx context.Context, userID, incomeCents, expensesCents int64) (*model.Budget, error) {
	if incomeCents < 0 || expensesCents < 0 {
		return nil, fmt.Errorf("%w: income and expenses must not be negative", ErrInvalidAmount)
	}
	if incomeCents > money.MaxAmountCents || expensesCents > money.MaxAmountCents {
		return nil, fmt.Errorf("%w: income and expenses must not exceed %s", ErrInvalidAmount, money.Format(money.MaxAmountCents))
	}

	b := model.NewBudget(userID, incomeCents, expensesCents)
	id, err := s.repo.AddBudget(ctx, b)
	if err != nil {
		return nil, err
	}
	b.ID = id

	return &b, nil
}

// GetLeaderboard возвращает таблицу лидеров, при непустом tier только по этой группе дохода.
func (s *Service) GetLeaderboard(ctx context.Context, tier model.IncomeTier) ([]model.LeaderboardEntry, error) {
	return s.repo.GetLeaderboard(ctx, tier)
}

// GetSubscription возвращает подписку пользователя.
func (s *Service) GetSubscription(ctx context.Context, userID int64) (*model.Subscription, error) {
	return s.repo.GetSubscription(ctx, userID)
}

// Subscribe списывает оплату тарифа через платёжного провайдера и проводит платёж через реестр.
// Повторы при конфликте реестра не приводят к повторному списанию.
func (s *Service) Subscribe(ctx context.Context, userID int64, plan, paymentMethod string) (*repository.PaymentResult, error) {
	if s.provider == nil {
		return nil, ErrPaymentUnavailable
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	charge, err := s.provider.Charge(ctx, payment.ChargeRequest{
		UserID:        u.ID,
		Username:      u.Username,
		Plan:          plan,
		PaymentMethod: paymentMethod,
	})
	if err != nil {
		if errors.Is(err, payment.ErrPaymentRejected) {
			metrics.RecordPayment("rejected", 0, 0)
		}
		return nil, err
	}

	res, err := s.RecordPayment(ctx, model.PaymentFact{
		ChargeID:      charge.ID,
		UserID:        u.ID,
		Plan:          plan,
		AmountCents:   charge.AmountCents,
		BillingPeriod: charge.BillingPeriod,
		ProcessedAt:   s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("charged payment was not recorded",
			zap.Int64("user_id", u.ID),
			zap.String("charge_id", charge.ID),
			zap.Int64("amount_cents", charge.AmountCents),
			zap.Error(err),
		)
		return nil, err
	}

	return res, nil
}

// RecordPayment проводит подтверждённый платёж через призовой реестр и возвращает новый размер фонда.
// Платёж с уже проведённым ChargeID не увеличивает фонд повторно.
func (s *Service) RecordPayment(ctx context.Context, fact model.PaymentFact) (*repository.PaymentResult, error) {
	if fact.ChargeID == "" {
		metrics.RecordPayment("invalid", 0, 0)
		return nil, ErrMissingChargeID
	}
	if fact.AmountCents <= 0 {
		metrics.RecordPayment("invalid", 0, 0)
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, fact.AmountCents)
	}
	if err := fact.BillingPeriod.Validate(); err != nil {
		metrics.RecordPayment("invalid", 0, 0)
		return nil, err
	}

	var res *repository.PaymentResult
	err := s.withLedgerRetry(ctx, "record_payment", func(ctx context.Context) error {
		var err error
		res, err = s.repo.RecordPayment(ctx, fact)
		return err
	})
	if err != nil {
		metrics.RecordPayment("error", 0, 0)
		return nil, err
	}

	if res.Duplicate {
		metrics.RecordPayment("duplicate", 0, 0)
		s.logger.Info("payment already recorded",
			zap.String("charge_id", fact.ChargeID),
			zap.Int64("user_id", fact.UserID),
			zap.Int64("pool_cents", res.PoolTotalCents),
		)
		return res, nil
	}

	metrics.RecordPayment("ok", res.Subscription.PrizeContributionCents, res.PoolTotalCents)

	s.logger.Info("prize contribution recorded",
		zap.String("charge_id", fact.ChargeID),
		zap.Int64("user_id", fact.UserID),
		zap.String("plan", fact.Plan),
		zap.Int64("amount_cents", fact.AmountCents),
		zap.Int64("contribution_cents", res.Subscription.PrizeContributionCents),
		zap.Int64("pool_cents", res.PoolTotalCents),
	)

	return res, nil
}

// Distribute распределяет призовой фонд между лучшими участниками.
// Выплаты выполняются внешней системой, сервис только фиксирует и журналирует доли победителей.
func (s *Service) Distribute(ctx context.Context) (*model.DistributionRecord, error) {
	var rec *model.DistributionRecord
	err := s.withLedgerRetry(ctx, "distribute", func(ctx context.Context) error {
		var err error
		rec, err = s.repo.Distribute(ctx, s.opts.PrizeWinners, s.now().UTC())
		return err
	})
	if err != nil {
		metrics.RecordDistribution(distributionStatus(err))
		return nil, err
	}

	metrics.RecordDistribution("ok")

	s.logger.Info("prize pool distributed",
		zap.String("distribution_id", rec.ID.String()),
		zap.Int64("cycle", rec.Cycle),
		zap.Int64("distributed_cents", rec.DistributedCents),
		zap.Int("winners", len(rec.Winners)),
	)
	for _, w := range rec.Winners {
		s.logger.Info("prize entitlement",
			zap.Int64("cycle", rec.Cycle),
			zap.Int("rank", w.Rank),
			zap.Int64("user_id", w.UserID),
			zap.String("username", w.Username),
			zap.String("share", money.Format(w.ShareCents)),
		)
	}

	return rec, nil
}

func distributionStatus(err error) string {
	switch {
	case errors.Is(err, repository.ErrNothingToDistribute):
		return "nothing_to_distribute"
	case errors.Is(err, repository.ErrNoEligibleWinners):
		return "no_eligible_winners"
	default:
		return "error"
	}
}

// GetPrizePool возвращает состояние призового фонда.
func (s *Service) GetPrizePool(ctx context.Context) (*model.PrizePool, error) {
	p, err := s.repo.GetPrizePool(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetPoolTotal(p.TotalCents)
	return p, nil
}

// CurrentPoolTotal возвращает текущий размер фонда в центах. Если фонд ещё не создан, возвращается 0.
func (s *Service) CurrentPoolTotal(ctx context.Context) (int64, error) {
	p, err := s.GetPrizePool(ctx)
	if err != nil {
		return 0, err
	}
	return p.TotalCents, nil
}

// LastDistribution возвращает последнее распределение или nil, если распределений не было.
func (s *Service) LastDistribution(ctx context.Context) (*model.DistributionRecord, error) {
	return s.repo.GetLastDistribution(ctx)
}

// DistributionByCycle возвращает распределение указанного цикла.
func (s *Service) DistributionByCycle(ctx context.Context, cycle int64) (*model.DistributionRecord, error) {
	return s.repo.GetDistributionByCycle(ctx, cycle)
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/money"
	"github.com/whetstone1/budgetrank/internal/payment"
	"github.com/whetstone1/budgetrank/internal/repository"
)

var monthly = model.BillingPeriod{Interval: model.IntervalMonth, Count: 1}

type stubRepo struct {
	createUserID  int64
	createUserErr error
	createdHash   []byte

	getUser    *model.User
	getUserErr error

	budgetID  int64
	budgetErr error
	budget    model.Budget

	leaderboard []model.LeaderboardEntry
	gotTier     model.IncomeTier

	recordErrs  []error
	recordCalls int
	recordFact  model.PaymentFact
	poolTotal   int64
	// lostCommit возвращается после того, как платёж уже учтён, как при таймауте во время commit.
	lostCommit error
	charges    map[string]bool

	distributeErrs  []error
	distributeCalls int
	distributeLimit int
	distribution    *model.DistributionRecord

	pool    *model.PrizePool
	poolErr error

	last      *model.DistributionRecord
	byCycle   *model.DistributionRecord
	cycleErr  error
	gotCycle  int64
	deadlines []bool
}

func (s *stubRepo) Close() error                   { return nil }
func (s *stubRepo) Ping(ctx context.Context) error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, username string, passwordHash []byte) (int64, error) {
	s.createdHash = passwordHash
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetSubscription(ctx context.Context, userID int64) (*model.Subscription, error) {
	return nil, repository.ErrSubscriptionNotFound
}

func (s *stubRepo) AddBudget(ctx context.Context, b model.Budget) (int64, error) {
	s.budget = b
	return s.budgetID, s.budgetErr
}

func (s *stubRepo) GetLeaderboard(ctx context.Context, tier model.IncomeTier) ([]model.LeaderboardEntry, error) {
	s.gotTier = tier
	return s.leaderboard, nil
}

func (s *stubRepo) RecordPayment(ctx context.Context, fact model.PaymentFact) (*repository.PaymentResult, error) {
	_, hasDeadline := ctx.Deadline()
	s.deadlines = append(s.deadlines, hasDeadline)

	s.recordCalls++
	s.recordFact = fact
	if len(s.recordErrs) > 0 {
		err := s.recordErrs[0]
		s.recordErrs = s.recordErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	contribution := money.Contribution(fact.AmountCents)
	sub := model.Subscription{
		UserID:                 fact.UserID,
		Plan:                   fact.Plan,
		AmountCents:            fact.AmountCents,
		PrizeContributionCents: contribution,
	}

	if s.charges[fact.ChargeID] {
		return &repository.PaymentResult{Subscription: sub, PoolTotalCents: s.poolTotal, Duplicate: true}, nil
	}
	if s.charges == nil {
		s.charges = make(map[string]bool)
	}
	s.charges[fact.ChargeID] = true
	s.poolTotal += contribution

	if err := s.lostCommit; err != nil {
		s.lostCommit = nil
		return nil, err
	}

	return &repository.PaymentResult{Subscription: sub, PoolTotalCents: s.poolTotal}, nil
}

func (s *stubRepo) Distribute(ctx context.Context, limit int, now time.Time) (*model.DistributionRecord, error) {
	s.distributeCalls++
	s.distributeLimit = limit
	if len(s.distributeErrs) > 0 {
		err := s.distributeErrs[0]
		s.distributeErrs = s.distributeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.distribution, nil
}

func (s *stubRepo) GetPrizePool(ctx context.Context) (*model.PrizePool, error) {
	return s.pool, s.poolErr
}

func (s *stubRepo) GetLastDistribution(ctx context.Context) (*model.DistributionRecord, error) {
	return s.last, nil
}

func (s *stubRepo) GetDistributionByCycle(ctx context.Context, cycle int64) (*model.DistributionRecord, error) {
	s.gotCycle = cycle
	return s.byCycle, s.cycleErr
}

type stubProvider struct {
	charge *payment.Charge
	err    error
	calls  int
	req    payment.ChargeRequest
}

func (p *stubProvider) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	p.calls++
	p.req = req
	return p.charge, p.err
}

func testOptions() Options {
	return Options{
		PrizeWinners: 3,
		StoreTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func TestRegisterUser_HashesPassword(t *testing.T) {
	repo := &stubRepo{createUserID: 7}
	svc := NewService(repo, nil, nil, testOptions())

	id, err := svc.RegisterUser(context.Background(), "saver", "secret")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	if err := bcrypt.CompareHashAndPassword(repo.createdHash, []byte("secret")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrUserExists}
	svc := NewService(repo, nil, nil, testOptions())

	_, err := svc.RegisterUser(context.Background(), "saver", "secret")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	repo := &stubRepo{getUser: &model.User{ID: 1, Username: "saver", PasswordHash: hashed}}
	svc := NewService(repo, nil, nil, testOptions())

	id, err := svc.AuthenticateUser(context.Background(), "saver", "correct")
	if err != nil || id != 1 {
		t.Fatalf("AuthenticateUser = %d, %v; want 1, nil", id, err)
	}

	if _, err := svc.AuthenticateUser(context.Background(), "saver", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}

	repo.getUser, repo.getUserErr = nil, repository.ErrUnknownUser
	if _, err := svc.AuthenticateUser(context.Background(), "ghost", "pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestAddBudget(t *testing.T) {
	repo := &stubRepo{budgetID: 5}
	svc := NewService(repo, nil, nil, testOptions())

	b, err := svc.AddBudget(context.Background(), 1, 100000_00, 80000_00)
	if err != nil {
		t.Fatalf("AddBudget error: %v", err)
	}
	if b.ID != 5 || b.SavingsPercentage != 20.0 || b.IncomeTier != model.Tier100to150k {
		t.Fatalf("unexpected budget: %+v", b)
	}

	if _, err := svc.AddBudget(context.Background(), 1, -1, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.AddBudget(context.Background(), 1, money.MaxAmountCents+1, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for oversized income, got %v", err)
	}
	if _, err := svc.AddBudget(context.Background(), 1, 100, money.MaxAmountCents+1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for oversized expenses, got %v", err)
	}
}

func TestRecordPayment_Contribution(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, testOptions())

	res, err := svc.RecordPayment(context.Background(), model.PaymentFact{
		ChargeID:      "ch_1",
		UserID:        42,
		Plan:          "pro",
		AmountCents:   5000,
		BillingPeriod: monthly,
		ProcessedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordPayment error: %v", err)
	}
	if res.Subscription.AmountCents != 5000 {
		t.Fatalf("amount = %d, want 5000", res.Subscription.AmountCents)
	}
	if res.Subscription.PrizeContributionCents != 1000 {
		t.Fatalf("contribution = %d, want 1000", res.Subscription.PrizeContributionCents)
	}
	if res.PoolTotalCents != 1000 {
		t.Fatalf("pool = %d, want 1000", res.PoolTotalCents)
	}
	if len(repo.deadlines) != 1 || !repo.deadlines[0] {
		t.Fatalf("ledger call must be bounded by a deadline")
	}
}

func TestRecordPayment_InvalidAmountDoesNotTouchStore(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, testOptions())

	for _, amount := range []int64{0, -100} {
		_, err := svc.RecordPayment(context.Background(), model.PaymentFact{
			ChargeID:      "ch_2",
			UserID:        42,
			Plan:          "pro",
			AmountCents:   amount,
			BillingPeriod: monthly,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	_, err := svc.RecordPayment(context.Background(), model.PaymentFact{
		ChargeID:    "ch_3",
		UserID:      42,
		Plan:        "pro",
		AmountCents: 5000,
	})
	if err == nil {
		t.Fatalf("expected error for missing billing period")
	}

	if repo.recordCalls != 0 {
		t.Fatalf("store was called %d times, want 0", repo.recordCalls)
	}
}

func TestRecordPayment_RetriesTransientErrors(t *testing.T) {
	repo := &stubRepo{recordErrs: []error{
		repository.ErrLedgerConflict,
		repository.ErrStoreTimeout,
		nil,
	}}
	svc := NewService(repo, nil, nil, testOptions())

	res, err := svc.RecordPayment(context.Background(), model.PaymentFact{
		ChargeID:      "ch_4",
		UserID:        42,
		Plan:          "pro",
		AmountCents:   5000,
		BillingPeriod: monthly,
	})
	if err != nil {
		t.Fatalf("RecordPayment error: %v", err)
	}
	if repo.recordCalls != 3 {
		t.Fatalf("calls = %d, want 3", repo.recordCalls)
	}
	if res.PoolTotalCents != 1000 {
		t.Fatalf("pool = %d, want 1000", res.PoolTotalCents)
	}
}

func TestRecordPayment_RepeatedChargeCountsOnce(t *testing.T) {
	repo := &stubRepo{lostCommit: repository.ErrStoreTimeout}
	svc := NewService(repo, nil, nil, testOptions())

	fact := model.PaymentFact{
		ChargeID:      "pi_repeat",
		UserID:        42,
		Plan:          "pro",
		AmountCents:   5000,
		BillingPeriod: monthly,
	}

	res, err := svc.RecordPayment(context.Background(), fact)
	if err != nil {
		t.Fatalf("RecordPayment error: %v", err)
	}
	if repo.recordCalls != 2 {
		t.Fatalf("calls = %d, want 2", repo.recordCalls)
	}
	if !res.Duplicate || res.PoolTotalCents != 1000 {
		t.Fatalf("retry after a committed attempt must not add to the pool: %+v", res)
	}

	res, err = svc.RecordPayment(context.Background(), fact)
	if err != nil {
		t.Fatalf("RecordPayment error: %v", err)
	}
	if !res.Duplicate || repo.poolTotal != 1000 {
		t.Fatalf("pool = %d after repeated fact, want 1000", repo.poolTotal)
	}
}

func TestRecordPayment_MissingChargeID(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, testOptions())

	_, err := svc.RecordPayment(context.Background(), model.PaymentFact{
		UserID:        42,
		Plan:          "pro",
		AmountCents:   5000,
		BillingPeriod: monthly,
	})
	if !errors.Is(err, ErrMissingChargeID) {
		t.Fatalf("expected ErrMissingChargeID, got %v", err)
	}
	if repo.recordCalls != 0 {
		t.Fatalf("store was called %d times, want 0", repo.recordCalls)
	}
}

func TestRecordPayment_GivesUpAfterMaxRetries(t *testing.T) {
	repo := &stubRepo{recordErrs: []error{
		repository.ErrLedgerConflict,
		repository.ErrLedgerConflict,
		repository.ErrLedgerConflict,
		repository.ErrLedgerConflict,
		repository.ErrLedgerConflict,
	}}
	opts := testOptions()
	opts.MaxRetries = 2
	svc := NewService(repo, nil, nil, opts)

	_, err := svc.RecordPayment(context.Background(), model.PaymentFact{
		ChargeID:      "ch_5",
		UserID:        42,
		Plan:          "pro",
		AmountCents:   5000,
		BillingPeriod: monthly,
	})
	if !errors.Is(err, repository.ErrLedgerConflict) {
		t.Fatalf("expected ErrLedgerConflict, got %v", err)
	}
	if repo.recordCalls != 3 {
		t.Fatalf("calls = %d, want 3", repo.recordCalls)
	}
}

func TestRecordPayment_UnknownUserIsTerminal(t *testing.T) {
	repo := &stubRepo{recordErrs: []error{repository.ErrUnknownUser}}
	svc := NewService(repo, nil, nil, testOptions())

	_, err := svc.RecordPayment(context.Background(), model.PaymentFact{
		ChargeID:      "ch_6",
		UserID:        999,
		Plan:          "pro",
		AmountCents:   5000,
		BillingPeriod: monthly,
	})
	if !errors.Is(err, repository.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if repo.recordCalls != 1 {
		t.Fatalf("calls = %d, want 1", repo.recordCalls)
	}
}

func TestSubscribe_ChargesOnceAndRecords(t *testing.T) {
	repo := &stubRepo{
		getUser:    &model.User{ID: 42, Username: "saver"},
		recordErrs: []error{repository.ErrLedgerConflict, nil},
	}
	provider := &stubProvider{charge: &payment.Charge{
		ID:            "pi_1",
		AmountCents:   5000,
		Currency:      "usd",
		BillingPeriod: monthly,
	}}
	svc := NewService(repo, provider, nil, testOptions())
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	res, err := svc.Subscribe(context.Background(), 42, "price_pro", "pm_card_visa")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
	if provider.req.Username != "saver" || provider.req.PaymentMethod != "pm_card_visa" {
		t.Fatalf("unexpected charge request: %+v", provider.req)
	}
	if repo.recordCalls != 2 {
		t.Fatalf("record calls = %d, want 2", repo.recordCalls)
	}
	if !repo.recordFact.ProcessedAt.Equal(fixed) || repo.recordFact.BillingPeriod != monthly || repo.recordFact.ChargeID != "pi_1" {
		t.Fatalf("unexpected payment fact: %+v", repo.recordFact)
	}
	if res.Subscription.PrizeContributionCents != 1000 {
		t.Fatalf("contribution = %d, want 1000", res.Subscription.PrizeContributionCents)
	}
}

func TestSubscribe_RejectedPaymentDoesNotTouchLedger(t *testing.T) {
	repo := &stubRepo{getUser: &model.User{ID: 42, Username: "saver"}}
	provider := &stubProvider{err: payment.ErrPaymentRejected}
	svc := NewService(repo, provider, nil, testOptions())

	_, err := svc.Subscribe(context.Background(), 42, "price_pro", "pm_card_chargeDeclined")
	if !errors.Is(err, payment.ErrPaymentRejected) {
		t.Fatalf("expected ErrPaymentRejected, got %v", err)
	}
	if repo.recordCalls != 0 {
		t.Fatalf("record calls = %d, want 0", repo.recordCalls)
	}
}

func TestSubscribe_NoProvider(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil, testOptions())

	_, err := svc.Subscribe(context.Background(), 42, "price_pro", "pm_card_visa")
	if !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected ErrPaymentUnavailable, got %v", err)
	}
}

func TestDistribute(t *testing.T) {
	rec := &model.DistributionRecord{
		ID:               uuid.New(),
		Cycle:            1,
		DistributedCents: 10000,
		Winners: []model.Winner{
			{Rank: 1, UserID: 2, Username: "top", ShareCents: 3334},
			{Rank: 2, UserID: 3, Username: "mid", ShareCents: 3333},
			{Rank: 3, UserID: 4, Username: "tie", ShareCents: 3333},
		},
	}
	repo := &stubRepo{
		distributeErrs: []error{repository.ErrLedgerConflict, nil},
		distribution:   rec,
	}
	opts := testOptions()
	opts.PrizeWinners = 5
	svc := NewService(repo, nil, nil, opts)

	got, err := svc.Distribute(context.Background())
	if err != nil {
		t.Fatalf("Distribute error: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("unexpected record %+v", got)
	}
	if repo.distributeCalls != 2 {
		t.Fatalf("calls = %d, want 2", repo.distributeCalls)
	}
	if repo.distributeLimit != 5 {
		t.Fatalf("limit = %d, want 5", repo.distributeLimit)
	}
}

func TestDistribute_TerminalErrorsAreNotRetried(t *testing.T) {
	for _, want := range []error{repository.ErrNothingToDistribute, repository.ErrNoEligibleWinners} {
		repo := &stubRepo{distributeErrs: []error{want}}
		svc := NewService(repo, nil, nil, testOptions())

		_, err := svc.Distribute(context.Background())
		if !errors.Is(err, want) {
			t.Fatalf("expected %v, got %v", want, err)
		}
		if repo.distributeCalls != 1 {
			t.Fatalf("%v: calls = %d, want 1", want, repo.distributeCalls)
		}
	}
}

func TestCurrentPoolTotal(t *testing.T) {
	repo := &stubRepo{pool: &model.PrizePool{}}
	svc := NewService(repo, nil, nil, testOptions())

	total, err := svc.CurrentPoolTotal(context.Background())
	if err != nil || total != 0 {
		t.Fatalf("CurrentPoolTotal = %d, %v; want 0, nil", total, err)
	}

	repo.pool = &model.PrizePool{TotalCents: 2500, Cycle: 4}
	total, err = svc.CurrentPoolTotal(context.Background())
	if err != nil || total != 2500 {
		t.Fatalf("CurrentPoolTotal = %d, %v; want 2500, nil", total, err)
	}
}

func TestDistributionQueries_PassThrough(t *testing.T) {
	rec := &model.DistributionRecord{ID: uuid.New(), Cycle: 3}
	repo := &stubRepo{last: rec, byCycle: rec}
	svc := NewService(repo, nil, nil, testOptions())

	last, err := svc.LastDistribution(context.Background())
	if err != nil || last != rec {
		t.Fatalf("LastDistribution = %+v, %v", last, err)
	}

	got, err := svc.DistributionByCycle(context.Background(), 3)
	if err != nil || got != rec || repo.gotCycle != 3 {
		t.Fatalf("DistributionByCycle = %+v, %v (cycle %d)", got, err, repo.gotCycle)
	}

	repo.byCycle, repo.cycleErr = nil, repository.ErrDistributionNotFound
	if _, err := svc.DistributionByCycle(context.Background(), 9); !errors.Is(err, repository.ErrDistributionNotFound) {
		t.Fatalf("expected ErrDistributionNotFound, got %v", err)
	}
}

func TestGetLeaderboard_PassesTier(t *testing.T) {
	repo := &stubRepo{leaderboard: []model.LeaderboardEntry{{Rank: 1, Username: "top"}}}
	svc := NewService(repo, nil, nil, testOptions())

	res, err := svc.GetLeaderboard(context.Background(), model.Tier50to100k)
	if err != nil || len(res) != 1 {
		t.Fatalf("GetLeaderboard = %+v, %v", res, err)
	}
	if repo.gotTier != model.Tier50to100k {
		t.Fatalf("tier = %q, want %q", repo.gotTier, model.Tier50to100k)
	}
}

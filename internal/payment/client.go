// Package payment предоставляет клиент платёжного провайдера.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/whetstone1/budgetrank/internal/model"
)

// ErrPaymentRejected возвращается, если провайдер отклонил платёж.
var ErrPaymentRejected = errors.New("payment rejected")

// ChargeRequest описывает запрос на оплату подписки.
type ChargeRequest struct {
	UserID        int64
	Username      string
	Plan          string
	PaymentMethod string
}

// Charge - подтверждённый провайдером факт успешного списания.
type Charge struct {
	ID            string
	AmountCents   int64
	Currency      string
	BillingPeriod model.BillingPeriod
}

// Provider описывает контракт платёжного провайдера.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// StripeProvider списывает оплату подписки через Stripe.
// Тариф задаётся идентификатором цены Stripe, из неё берутся сумма и расчётный период.
type StripeProvider struct {
	api      *client.API
	currency string
}

// NewStripeProvider создаёт клиент Stripe. Пустой apiURL означает боевой адрес Stripe.
func NewStripeProvider(secretKey, apiURL, currency string) *StripeProvider {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	}
	if apiURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(apiURL, "/"))
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &StripeProvider{
		api:      api,
		currency: strings.ToLower(currency),
	}
}

// Charge списывает стоимость тарифа с указанного платёжного метода.
func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.Plan == "" || req.PaymentMethod == "" {
		return nil, fmt.Errorf("%w: plan and payment method are required", ErrPaymentRejected)
	}

	priceParams := &stripe.PriceParams{}
	priceParams.Context = ctx

	price, err := p.api.Prices.Get(req.Plan, priceParams)
	if err != nil {
		return nil, classifyError("get price", err)
	}

	if price.Recurring == nil {
		return nil, fmt.Errorf("%w: plan %s is not a subscription", ErrPaymentRejected, req.Plan)
	}

	period := model.BillingPeriod{
		Interval: model.Interval(price.Recurring.Interval),
		Count:    int(price.Recurring.IntervalCount),
	}
	if err := period.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", req.Plan, err)
	}

	if p.currency != "" && !strings.EqualFold(string(price.Currency), p.currency) {
		return nil, fmt.Errorf("plan %s is priced in %s, want %s", req.Plan, price.Currency, p.currency)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(price.UnitAmount),
		Currency:           stripe.String(string(price.Currency)),
		PaymentMethod:      stripe.String(req.PaymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Description:        stripe.String("budgetrank subscription " + req.Plan),
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatInt(req.UserID, 10))
	params.AddMetadata("username", req.Username)
	params.AddMetadata("plan", req.Plan)

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyError("create payment intent", err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrPaymentRejected, intent.ID, intent.Status)
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: payment intent %s has no charged amount", ErrPaymentRejected, intent.ID)
	}

	return &Charge{
		ID:            intent.ID,
		AmountCents:   amount,
		Currency:      string(intent.Currency),
		BillingPeriod: period,
	}, nil
}

// classifyError отделяет отказы в оплате от ошибок связи с провайдером.
func classifyError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %s", ErrPaymentRejected, stripeErr.Msg)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

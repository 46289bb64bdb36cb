// Package model содержит доменные сущности сервиса budgetrank.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus описывает статус подписки пользователя.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionActive   SubscriptionStatus = "active"
)

// User представляет зарегистрированного пользователя.
type User struct {
	ID                 int64
	Username           string
	PasswordHash       []byte
	SubscriptionStatus SubscriptionStatus
	PrizeEligible      bool
	CreatedAt          time.Time
}

// Subscription описывает единственную подписку пользователя.
type Subscription struct {
	UserID                 int64
	Plan                   string
	AmountCents            int64
	PrizeContributionCents int64
	NextPaymentDate        time.Time
	UpdatedAt              time.Time
}

// PaymentFact - подтверждённый платёж, который проводится через призовой реестр.
type PaymentFact struct {
	// ChargeID - идентификатор списания у платёжного провайдера, ключ идемпотентности.
	ChargeID      string
	UserID        int64
	Plan          string
	AmountCents   int64
	BillingPeriod BillingPeriod
	ProcessedAt   time.Time
}

// PrizePool - состояние единственной строки призового фонда.
type PrizePool struct {
	TotalCents      int64
	LastDistributed *time.Time
	Cycle           int64
}

// Winner - победитель цикла распределения и его доля.
type Winner struct {
	Rank              int
	UserID            int64
	Username          string
	SavingsPercentage float64
	ShareCents        int64
}

// DistributionRecord - неизменяемая запись об одном цикле распределения фонда.
type DistributionRecord struct {
	ID               uuid.UUID
	Cycle            int64
	DistributedAt    time.Time
	DistributedCents int64
	Winners          []Winner
}

// Budget - бюджет, заявленный пользователем.
type Budget struct {
	ID                 int64
	UserID             int64
	TotalIncomeCents   int64
	TotalExpensesCents int64
	SavingsPercentage  float64
	IncomeTier         IncomeTier
	CreatedAt          time.Time
}

// LeaderboardEntry - строка таблицы лидеров.
type LeaderboardEntry struct {
	Rank              int     `json:"rank"`
	Username          string  `json:"username"`
	SavingsPercentage float64 `json:"savings_percentage"`
	IncomeTier        string  `json:"income_tier"`
}

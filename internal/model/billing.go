package model

import (
	"fmt"
	"time"
)

// Interval - единица расчётного периода, которую сообщает платёжный провайдер.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// BillingPeriod - расчётный период подписки.
type BillingPeriod struct {
	Interval Interval
	Count    int
}

// Validate проверяет, что период задан корректно.
func (p BillingPeriod) Validate() error {
	if p.Count <= 0 {
		return fmt.Errorf("billing period count must be positive, got %d", p.Count)
	}
	switch p.Interval {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return nil
	default:
		return fmt.Errorf("unknown billing interval %q", p.Interval)
	}
}

// Advance возвращает дату следующего платежа.
func (p BillingPeriod) Advance(from time.Time) time.Time {
	switch p.Interval {
	case IntervalDay:
		return from.AddDate(0, 0, p.Count)
	case IntervalWeek:
		return from.AddDate(0, 0, 7*p.Count)
	case IntervalMonth:
		return from.AddDate(0, p.Count, 0)
	case IntervalYear:
		return from.AddDate(p.Count, 0, 0)
	default:
		return from
	}
}

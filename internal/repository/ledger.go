package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/whetstone1/budgetrank/internal/model"
	"github.com/whetstone1/budgetrank/internal/money"
)

// prizePoolID - идентификатор единственной строки призового фонда.
const prizePoolID = 1

// PaymentResult описывает результат проведения платежа через реестр.
type PaymentResult struct {
	Subscription   model.Subscription
	PoolTotalCents int64
	// Duplicate означает, что платёж с этим идентификатором списания уже был проведён и фонд не изменился.
	Duplicate bool
}

// RecordPayment проводит подтверждённый платёж: обновляет подписку, отмечает пользователя
// участником розыгрыша и добавляет взнос в призовой фонд. Все изменения выполняются в одной транзакции.
// Повторное проведение того же списания (fact.ChargeID) ничего не меняет.
//
// Блокировки берутся в том же порядке, что и в Distribute: сначала строка фонда, затем строка пользователя.
func (r *PostgresRepository) RecordPayment(ctx context.Context, fact model.PaymentFact) (*PaymentResult, error) {
	sub := model.Subscription{
		UserID:                 fact.UserID,
		Plan:                   fact.Plan,
		AmountCents:            fact.AmountCents,
		PrizeContributionCents: money.Contribution(fact.AmountCents),
		NextPaymentDate:        fact.BillingPeriod.Advance(fact.ProcessedAt),
		UpdatedAt:              fact.ProcessedAt,
	}

	var res *PaymentResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var total int64
		err := tx.QueryRow(ctx,
			`INSERT INTO prize_pool (id, total) VALUES ($1, 0)
			 ON CONFLICT (id) DO UPDATE SET total = prize_pool.total
			 RETURNING total`,
			prizePoolID,
		).Scan(&total)
		if err != nil {
			return fmt.Errorf("lock prize pool: %w", err)
		}

		// FOR NO KEY UPDATE не конфликтует с FOR KEY SHARE внешних ключей distribution_winners.
		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR NO KEY UPDATE`, fact.UserID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUnknownUser
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO payments (charge_id, user_id, amount, contribution, processed_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (charge_id) DO NOTHING`,
			fact.ChargeID, fact.UserID, sub.AmountCents, sub.PrizeContributionCents, fact.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			recorded, err := recordedPayment(ctx, tx, fact)
			if err != nil {
				return err
			}
			res = &PaymentResult{Subscription: *recorded, PoolTotalCents: total, Duplicate: true}
			return nil
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO subscriptions (user_id, plan, amount, prize_contribution, next_payment_date, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (user_id) DO UPDATE SET
			     plan = EXCLUDED.plan,
			     amount = EXCLUDED.amount,
			     prize_contribution = EXCLUDED.prize_contribution,
			     next_payment_date = EXCLUDED.next_payment_date,
			     updated_at = EXCLUDED.updated_at`,
			sub.UserID, sub.Plan, sub.AmountCents, sub.PrizeContributionCents, sub.NextPaymentDate, sub.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET subscription_status = $2, prize_eligible = TRUE WHERE id = $1`,
			fact.UserID, string(model.SubscriptionActive),
		)
		if err != nil {
			return fmt.Errorf("activate user: %w", err)
		}

		err = tx.QueryRow(ctx,
			`UPDATE prize_pool SET total = total + $2 WHERE id = $1 RETURNING total`,
			prizePoolID, sub.PrizeContributionCents,
		).Scan(&total)
		if err != nil {
			return fmt.Errorf("add contribution: %w", err)
		}

		res = &PaymentResult{Subscription: sub, PoolTotalCents: total}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// recordedPayment возвращает подписку после уже проведённого списания.
// Списание другого пользователя с тем же идентификатором считается ошибкой.
func recordedPayment(ctx context.Context, tx pgx.Tx, fact model.PaymentFact) (*model.Subscription, error) {
	var owner int64
	err := tx.QueryRow(ctx, `SELECT user_id FROM payments WHERE charge_id = $1`, fact.ChargeID).Scan(&owner)
	if err != nil {
		return nil, fmt.Errorf("select recorded payment: %w", err)
	}
	if owner != fact.UserID {
		return nil, fmt.Errorf("%w: charge %s belongs to user %d", ErrChargeConflict, fact.ChargeID, owner)
	}

	var s model.Subscription
	err = tx.QueryRow(ctx,
		`SELECT user_id, plan, amount, prize_contribution, next_payment_date, updated_at
		 FROM subscriptions
		 WHERE user_id = $1`,
		fact.UserID,
	).Scan(&s.UserID, &s.Plan, &s.AmountCents, &s.PrizeContributionCents, &s.NextPaymentDate, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("select subscription: %w", err)
	}

	return &s, nil
}

// Distribute распределяет весь призовой фонд между лучшими limit участниками и обнуляет фонд.
// Строка фонда блокируется на всё время транзакции, поэтому параллельные взносы
// фиксируются строго до или строго после распределения.
func (r *PostgresRepository) Distribute(ctx context.Context, limit int, now time.Time) (*model.DistributionRecord, error) {
	var record *model.DistributionRecord

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var total int64
		err := tx.QueryRow(ctx,
			`SELECT total FROM prize_pool WHERE id = $1 FOR UPDATE`,
			prizePoolID,
		).Scan(&total)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNothingToDistribute
			}
			return fmt.Errorf("lock prize pool: %w", err)
		}

		if total == 0 {
			return ErrNothingToDistribute
		}

		winners, err := selectWinners(ctx, tx, limit)
		if err != nil {
			return err
		}

		if len(winners) == 0 {
			return ErrNoEligibleWinners
		}

		for i, share := range money.SplitEqually(total, len(winners)) {
			winners[i].ShareCents = share
		}

		var cycle int64
		err = tx.QueryRow(ctx,
			`UPDATE prize_pool
			 SET total = 0, last_distributed = $2, cycle = cycle + 1
			 WHERE id = $1
			 RETURNING cycle`,
			prizePoolID, now,
		).Scan(&cycle)
		if err != nil {
			return fmt.Errorf("reset prize pool: %w", err)
		}

		rec := &model.DistributionRecord{
			ID:               uuid.New(),
			Cycle:            cycle,
			DistributedAt:    now,
			DistributedCents: total,
			Winners:          winners,
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO distributions (id, cycle, distributed, distributed_at) VALUES ($1, $2, $3, $4)`,
			rec.ID, rec.Cycle, rec.DistributedCents, rec.DistributedAt,
		)
		if err != nil {
			return fmt.Errorf("insert distribution: %w", err)
		}

		for _, w := range winners {
			_, err = tx.Exec(ctx,
				`INSERT INTO distribution_winners (distribution_id, rank, user_id, username, savings_percentage, share)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				rec.ID, w.Rank, w.UserID, w.Username, w.SavingsPercentage, w.ShareCents,
			)
			if err != nil {
				return fmt.Errorf("insert distribution winner: %w", err)
			}
		}

		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// selectWinners выбирает участников розыгрыша по проценту сбережений в последнем бюджете.
// При равенстве выше стоит пользователь с меньшим идентификатором.
func selectWinners(ctx context.Context, tx pgx.Tx, limit int) ([]model.Winner, error) {
	rows, err := tx.Query(ctx,
		`SELECT u.id, u.username, b.savings_percentage
		 FROM users u`+latestBudgetJoin+`
		 WHERE u.prize_eligible
		 ORDER BY b.savings_percentage DESC, u.id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select winners: %w", err)
	}
	defer rows.Close()

	var winners []model.Winner
	for rows.Next() {
		var w model.Winner
		if err := rows.Scan(&w.UserID, &w.Username, &w.SavingsPercentage); err != nil {
			return nil, fmt.Errorf("scan winner: %w", err)
		}
		w.Rank = len(winners) + 1
		winners = append(winners, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return winners, nil
}

// GetPrizePool возвращает текущее состояние призового фонда. Если фонд ещё не создан, возвращается нулевое состояние.
func (r *PostgresRepository) GetPrizePool(ctx context.Context) (*model.PrizePool, error) {
	var p model.PrizePool
	err := r.pool.QueryRow(ctx,
		`SELECT total, last_distributed, cycle FROM prize_pool WHERE id = $1`,
		prizePoolID,
	).Scan(&p.TotalCents, &p.LastDistributed, &p.Cycle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.PrizePool{}, nil
		}
		return nil, classifyError(fmt.Errorf("select prize pool: %w", err))
	}

	return &p, nil
}

// GetLastDistribution возвращает последнюю запись о распределении или nil, если распределений не было.
func (r *PostgresRepository) GetLastDistribution(ctx context.Context) (*model.DistributionRecord, error) {
	rec, err := r.loadDistribution(ctx,
		`SELECT id, cycle, distributed, distributed_at FROM distributions ORDER BY cycle DESC LIMIT 1`,
	)
	if errors.Is(err, ErrDistributionNotFound) {
		return nil, nil
	}
	return rec, err
}

// GetDistributionByCycle возвращает запись о распределении указанного цикла.
func (r *PostgresRepository) GetDistributionByCycle(ctx context.Context, cycle int64) (*model.DistributionRecord, error) {
	return r.loadDistribution(ctx,
		`SELECT id, cycle, distributed, distributed_at FROM distributions WHERE cycle = $1`,
		cycle,
	)
}

func (r *PostgresRepository) loadDistribution(ctx context.Context, query string, args ...any) (*model.DistributionRecord, error) {
	var rec model.DistributionRecord
	err := r.pool.QueryRow(ctx, query, args...).Scan(&rec.ID, &rec.Cycle, &rec.DistributedCents, &rec.DistributedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDistributionNotFound
		}
		return nil, classifyError(fmt.Errorf("select distribution: %w", err))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT rank, user_id, username, savings_percentage, share
		 FROM distribution_winners
		 WHERE distribution_id = $1
		 ORDER BY rank`,
		rec.ID,
	)
	if err != nil {
		return nil, classifyError(fmt.Errorf("select distribution winners: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var w model.Winner
		if err := rows.Scan(&w.Rank, &w.UserID, &w.Username, &w.SavingsPercentage, &w.ShareCents); err != nil {
			return nil, classifyError(fmt.Errorf("scan distribution winner: %w", err))
		}
		rec.Winners = append(rec.Winners, w)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyError(fmt.Errorf("rows error: %w", err))
	}

	return &rec, nil
}

// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/whetstone1/budgetrank/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим именем.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUnknownUser возвращается, если пользователь не найден.
	ErrUnknownUser = errors.New("unknown user")
	// ErrSubscriptionNotFound возвращается, если у пользователя нет подписки.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrLedgerConflict возвращается, если транзакцию над призовым фондом не удалось сериализовать. Операцию можно повторить целиком.
	ErrLedgerConflict = errors.New("ledger conflict")
	// ErrStoreTimeout возвращается, если хранилище не ответило вовремя. Операцию можно повторить целиком.
	ErrStoreTimeout = errors.New("store timeout")
	// ErrNothingToDistribute возвращается, если призовой фонд пуст.
	ErrNothingToDistribute = errors.New("nothing to distribute")
	// ErrNoEligibleWinners возвращается, если нет ни одного участника розыгрыша.
	ErrNoEligibleWinners = errors.New("no eligible winners")
	// ErrChargeConflict возвращается, если идентификатор списания уже проведён для другого пользователя.
	ErrChargeConflict = errors.New("charge recorded for another user")
	// ErrDistributionNotFound возвращается, если запрошенный цикл распределения не проводился.
	ErrDistributionNotFound = errors.New("distribution not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// lockTimeout ограничивает ожидание блокировки строки призового фонда.
func NewPostgresRepository(dsn string, lockTimeout time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, lockTimeout: lockTimeout}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// inTx выполняет fn в одной транзакции и приводит ошибки PostgreSQL к ошибкам реестра.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if r.lockTimeout > 0 {
		_, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", r.lockTimeout.Milliseconds()))
		if err != nil {
			return classifyError(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(tx); err != nil {
		return classifyError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("commit tx: %w", err))
	}

	return nil
}

// classifyError помечает временные ошибки хранилища, после которых операцию можно повторить.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrLedgerConflict) || errors.Is(err, ErrStoreTimeout) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrStoreTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %w", ErrLedgerConflict, err)
		case pgerrcode.QueryCanceled:
			return fmt.Errorf("%w: %w", ErrStoreTimeout, err)
		}
	}

	return err
}

// Ping проверяет доступность базы данных.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, username string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`,
		username, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

const userColumns = `id, username, password_hash, subscription_status, prize_eligible, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u      model.User
		status string
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &status, &u.PrizeEligible, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.SubscriptionStatus = model.SubscriptionStatus(status)

	return &u, nil
}

// GetUserByUsername возвращает пользователя по имени.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`,
		username,
	))
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
}

// GetSubscription возвращает подписку пользователя.
func (r *PostgresRepository) GetSubscription(ctx context.Context, userID int64) (*model.Subscription, error) {
	var s model.Subscription
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, plan, amount, prize_contribution, next_payment_date, updated_at
		 FROM subscriptions
		 WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.Plan, &s.AmountCents, &s.PrizeContributionCents, &s.NextPaymentDate, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	return &s, nil
}

// AddBudget сохраняет бюджет пользователя.
func (r *PostgresRepository) AddBudget(ctx context.Context, b model.Budget) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO budgets (user_id, total_income, total_expenses, savings_percentage, income_tier)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		b.UserID, b.TotalIncomeCents, b.TotalExpensesCents, b.SavingsPercentage, string(b.IncomeTier),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, ErrUnknownUser
		}
		return 0, fmt.Errorf("insert budget: %w", err)
	}
	return id, nil
}

// latestBudgetJoin присоединяет к пользователю его последний бюджет.
const latestBudgetJoin = `
	JOIN LATERAL (
		SELECT savings_percentage, income_tier
		FROM budgets
		WHERE budgets.user_id = u.id
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	) b ON TRUE`

// GetLeaderboard возвращает таблицу лидеров по последнему бюджету каждого пользователя.
// Пустой tier означает все группы дохода.
func (r *PostgresRepository) GetLeaderboard(ctx context.Context, tier model.IncomeTier) ([]model.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.username, b.savings_percentage, b.income_tier
		 FROM users u`+latestBudgetJoin+`
		 WHERE $1::text = '' OR b.income_tier = $1::text
		 ORDER BY b.savings_percentage DESC, u.id ASC`,
		string(tier),
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.Username, &e.SavingsPercentage, &e.IncomeTier); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		e.Rank = len(res) + 1
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

package model

import "github.com/shopspring/decimal"

// IncomeTier - группа дохода для фильтрации таблицы лидеров.
type IncomeTier string

const (
	TierBelow50k  IncomeTier = "Below 50k"
	Tier50to100k  IncomeTier = "50k-100k"
	Tier100to150k IncomeTier = "100k-150k"
	Tier150kAbove IncomeTier = "150k and above"
)

const (
	tierBoundary50k  = 50_000_00
	tierBoundary100k = 100_000_00
	tierBoundary150k = 150_000_00
)

// IncomeTierFor возвращает группу дохода для суммы в центах.
func IncomeTierFor(incomeCents int64) IncomeTier {
	switch {
	case incomeCents < tierBoundary50k:
		return TierBelow50k
	case incomeCents < tierBoundary100k:
		return Tier50to100k
	case incomeCents < tierBoundary150k:
		return Tier100to150k
	default:
		return Tier150kAbove
	}
}

// ParseIncomeTier проверяет название группы дохода.
func ParseIncomeTier(s string) (IncomeTier, bool) {
	switch t := IncomeTier(s); t {
	case TierBelow50k, Tier50to100k, Tier100to150k, Tier150kAbove:
		return t, true
	default:
		return "", false
	}
}

// SavingsPercentage считает процент сбережений, округлённый до сотых.
// При нулевом или отрицательном доходе возвращает 0.
func SavingsPercentage(incomeCents, expensesCents int64) float64 {
	if incomeCents <= 0 {
		return 0
	}

	income := decimal.NewFromInt(incomeCents)
	saved := income.Sub(decimal.NewFromInt(expensesCents))

	return saved.Div(income).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// NewBudget собирает бюджет с вычисленными производными полями.
func NewBudget(userID, incomeCents, expensesCents int64) Budget {
	return Budget{
		UserID:             userID,
		TotalIncomeCents:   incomeCents,
		TotalExpensesCents: expensesCents,
		SavingsPercentage:  SavingsPercentage(incomeCents, expensesCents),
		IncomeTier:         IncomeTierFor(incomeCents),
	}
}

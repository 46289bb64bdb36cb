// Package money содержит денежную арифметику в минимальных единицах валюты (центах).
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// PrizeRatePercent - доля каждого платежа по подписке, которая уходит в призовой фонд.
const PrizeRatePercent = 20

// MaxAmountCents - наибольшая сумма, которую принимает сервис: триллион основных единиц.
const MaxAmountCents int64 = 1_000_000_000_000_00

// ErrAmountOutOfRange возвращается для сумм, которые не помещаются в допустимый диапазон.
var ErrAmountOutOfRange = errors.New("amount out of range")

var (
	prizeRate = decimal.New(PrizeRatePercent, -2)
	maxAmount = decimal.New(MaxAmountCents, -2)
)

// Contribution возвращает взнос в призовой фонд для суммы платежа в центах.
// Доли цента округляются до ближайшего цента.
func Contribution(amountCents int64) int64 {
	return decimal.NewFromInt(amountCents).Mul(prizeRate).Round(0).IntPart()
}

// SplitEqually делит сумму поровну между n получателями.
// Остаток раздаётся по одному центу, начиная с первого получателя, поэтому сумма долей всегда равна total.
func SplitEqually(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}

	base := total / int64(n)
	rem := total % int64(n)

	shares := make([]int64, n)
	for i := range shares {
		shares[i] = base
		if int64(i) < rem {
			shares[i]++
		}
	}

	return shares
}

// FromFloat переводит сумму в основных единицах в центы с округлением до цента.
// Суммы по модулю больше MaxAmountCents отклоняются с ErrAmountOutOfRange.
func FromFloat(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrAmountOutOfRange
	}

	d := decimal.NewFromFloat(v).Round(2)
	if d.Abs().GreaterThan(maxAmount) {
		return 0, ErrAmountOutOfRange
	}

	return d.Shift(2).IntPart(), nil
}

// ToFloat переводит центы в основные единицы для ответа API.
func ToFloat(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// Format возвращает сумму в виде строки с двумя знаками после запятой.
func Format(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

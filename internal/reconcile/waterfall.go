package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

// GapSource возвращает доступный разрыв корзины.
type GapSource interface {
	Gap(ctx context.Context, q PeriodQuery) (decimal.Decimal, error)
}

// Allocator выполняет каскадное распределение депозита по способам оплаты
// в порядке их приоритета.
type Allocator struct {
	gaps GapSource
}

// NewAllocator создаёт распределитель поверх источника разрывов.
func NewAllocator(gaps GapSource) *Allocator {
	return &Allocator{gaps: gaps}
}

// ValidateDeposit проверяет инварианты депозита, необходимые для распределения.
func ValidateDeposit(d model.Deposit) error {
	if d.StartDate.IsZero() {
		return &model.InputError{Field: "start_date", Reason: "required"}
	}
	if d.EndDate.IsZero() {
		return &model.InputError{Field: "end_date", Reason: "required"}
	}
	if d.EndDate.Before(d.StartDate) {
		return &model.InputError{Field: "end_date", Reason: "before start_date"}
	}
	if d.NetAmount.IsNegative() {
		return &model.InputError{Field: "net_amount", Reason: "negative"}
	}
	for _, id := range d.Target().Methods() {
		if id <= 0 {
			return &model.InputError{Field: "method_group", Reason: "payment method id required"}
		}
	}
	return nil
}

// Allocate строит план распределения депозита. Функция не изменяет реестр.
//
// Способы обрабатываются строго в сохранённом порядке: каждый жадно забирает
// min(остаток, свой разрыв). Повторяющийся способ видит разрыв, уменьшенный на
// покрытие его предыдущих вхождений в этом же плане.
func (a *Allocator) Allocate(ctx context.Context, d model.Deposit) (model.AllocationPlan, error) {
	if err := ValidateDeposit(d); err != nil {
		return model.AllocationPlan{}, err
	}

	methods := d.Target().Methods()
	plan := model.AllocationPlan{
		DepositID: d.ID,
		NetAmount: d.NetAmount,
		PerMethod: make([]model.MethodAllocation, 0, len(methods)),
	}

	remaining := d.NetAmount
	totalCovered := decimal.Zero
	totalUncovered := decimal.Zero
	consumed := make(map[int64]decimal.Decimal, len(methods))

	for _, methodID := range methods {
		gap, err := a.gaps.Gap(ctx, PeriodQuery{
			PaymentMethodID:  methodID,
			Start:            d.StartDate,
			End:              d.EndDate,
			ExcludeDepositID: d.ID,
		})
		if err != nil {
			return model.AllocationPlan{}, fmt.Errorf("gap for method %d: %w", methodID, err)
		}
		available := NonNegative(gap.Sub(consumed[methodID]))

		step := model.MethodAllocation{
			PaymentMethodID: methodID,
			GapAvailable:    available,
			GapCovered:      decimal.Zero,
			GapUncovered:    available,
			RemainingAfter:  decimal.Zero,
		}

		if remaining.IsPositive() {
			covered := decimal.Min(remaining, available)
			remaining = remaining.Sub(covered)
			totalCovered = totalCovered.Add(covered)
			consumed[methodID] = consumed[methodID].Add(covered)

			step.GapCovered = covered
			step.GapUncovered = NonNegative(available.Sub(covered))
			step.RemainingAfter = remaining
		}

		totalUncovered = totalUncovered.Add(step.GapUncovered)
		plan.PerMethod = append(plan.PerMethod, step)
	}

	plan.TotalGapCovered = totalCovered
	plan.TotalGapUncovered = totalUncovered
	plan.TotalRemaining = NonNegative(d.NetAmount.Sub(totalCovered))

	return plan, nil
}

// Rows переводит план в строки реестра: по одной строке на способ оплаты
// с положительным покрытием, повторы способа объединяются.
func Rows(d model.Deposit, plan model.AllocationPlan) []model.DepositAllocation {
	order, covered := plan.CoveredByMethod()

	rows := make([]model.DepositAllocation, 0, len(order))
	for _, methodID := range order {
		amount := covered[methodID]
		if !amount.IsPositive() {
			continue
		}
		rows = append(rows, model.DepositAllocation{
			DepositID:       d.ID,
			PaymentMethodID: methodID,
			PeriodStart:     d.StartDate,
			PeriodEnd:       d.EndDate,
			AllocatedAmount: amount,
		})
	}
	return rows
}

// Package reconcile реализует сверку продаж с депозитами: агрегаты по периодам,
// расчёт разрыва, каскадное распределение депозита и фиксацию распределений в реестре.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

// Ledger описывает чтение агрегатов из реестра, необходимое для сверки.
// Нулевой methodID означает все способы оплаты, нулевой excludeDepositID отключает исключение.
type Ledger interface {
	SumNetSales(ctx context.Context, methodID int64, start, end time.Time) (decimal.Decimal, error)
	SumApprovedAllocations(ctx context.Context, methodID int64, start, end time.Time, excludeDepositID int64) (decimal.Decimal, error)
}

// PeriodQuery задаёт корзину сверки: способ оплаты и включительный диапазон дат.
type PeriodQuery struct {
	PaymentMethodID int64
	Start           time.Time
	End             time.Time
	// ExcludeDepositID исключает собственные строки депозита из одобренных распределений.
	// Ноль включает все строки, в том числе ранее зафиксированные строки пересчитываемого депозита.
	ExcludeDepositID int64
}

// Aggregator считает чистые продажи и одобренные распределения по корзине.
type Aggregator struct {
	ledger Ledger
}

// NewAggregator создаёт агрегатор поверх реестра.
func NewAggregator(ledger Ledger) *Aggregator {
	return &Aggregator{ledger: ledger}
}

// Aggregate возвращает агрегаты корзины. Отсутствие строк даёт нулевые суммы.
func (a *Aggregator) Aggregate(ctx context.Context, q PeriodQuery) (model.PeriodTotals, error) {
	net, err := a.ledger.SumNetSales(ctx, q.PaymentMethodID, q.Start, q.End)
	if err != nil {
		return model.PeriodTotals{}, fmt.Errorf("sum net sales: %w", err)
	}

	approved, err := a.ledger.SumApprovedAllocations(ctx, q.PaymentMethodID, q.Start, q.End, q.ExcludeDepositID)
	if err != nil {
		return model.PeriodTotals{}, fmt.Errorf("sum approved allocations: %w", err)
	}

	return model.PeriodTotals{
		NetInvoices:   net,
		ApprovedAlloc: NonNegative(approved),
	}, nil
}

// GapCalculator считает непокрытый разрыв корзины.
type GapCalculator struct {
	aggregator *Aggregator
}

// NewGapCalculator создаёт калькулятор разрыва.
func NewGapCalculator(aggregator *Aggregator) *GapCalculator {
	return &GapCalculator{aggregator: aggregator}
}

// Gap возвращает max(0, чистые продажи − одобренные распределения).
func (g *GapCalculator) Gap(ctx context.Context, q PeriodQuery) (decimal.Decimal, error) {
	totals, err := g.aggregator.Aggregate(ctx, q)
	if err != nil {
		return decimal.Zero, err
	}
	return NonNegative(totals.NetInvoices.Sub(totals.ApprovedAlloc)), nil
}

// NonNegative ограничивает сумму снизу нулём.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

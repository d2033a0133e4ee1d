package model

import "github.com/shopspring/decimal"

// MethodAllocation описывает шаг каскадного распределения по одному способу оплаты.
type MethodAllocation struct {
	PaymentMethodID int64           `json:"payment_method_id"`
	GapAvailable    decimal.Decimal `json:"gap_available"`
	GapCovered      decimal.Decimal `json:"gap_covered"`
	GapUncovered    decimal.Decimal `json:"gap_uncovered"`
	RemainingAfter  decimal.Decimal `json:"remaining_after"`
}

// AllocationPlan содержит результат каскадного распределения депозита.
type AllocationPlan struct {
	DepositID         int64              `json:"deposit_id"`
	NetAmount         decimal.Decimal    `json:"net_amount"`
	PerMethod         []MethodAllocation `json:"per_method"`
	TotalGapCovered   decimal.Decimal    `json:"total_gap_covered"`
	TotalGapUncovered decimal.Decimal    `json:"total_gap_uncovered"`
	TotalRemaining    decimal.Decimal    `json:"total_remaining"`
}

// CoveredByMethod суммирует покрытие по способам оплаты; повторяющиеся способы объединяются.
// Порядок ключей задаётся срезом order.
func (p AllocationPlan) CoveredByMethod() (order []int64, covered map[int64]decimal.Decimal) {
	covered = make(map[int64]decimal.Decimal, len(p.PerMethod))
	for _, m := range p.PerMethod {
		prev, ok := covered[m.PaymentMethodID]
		if !ok {
			order = append(order, m.PaymentMethodID)
		}
		covered[m.PaymentMethodID] = prev.Add(m.GapCovered)
	}
	return order, covered
}

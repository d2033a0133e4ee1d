// Package model содержит доменные сущности сервиса сверки продаж и депозитов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout задаёт формат календарной даты во внешних интерфейсах.
const DateLayout = "2006-01-02"

// PaymentMethod описывает способ оплаты, по которому ведётся сверка.
type PaymentMethod struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// DocumentState описывает состояние документа продаж.
type DocumentState string

const (
	DocumentStateDraft  DocumentState = "draft"
	DocumentStatePosted DocumentState = "posted"
)

// Invoice описывает проведённую продажу.
type Invoice struct {
	ID              int64
	PaymentMethodID int64
	SaleOrderDate   time.Time
	AmountTotal     decimal.Decimal
	State           DocumentState
}

// CreditNote описывает возврат по одному исходному счёту.
// Для сверки используется дата продажи исходного счёта.
type CreditNote struct {
	ID                int64
	OriginalInvoiceID int64
	PaymentMethodID   int64
	SaleOrderDate     time.Time
	AmountTotal       decimal.Decimal
	State             DocumentState
}

// DepositStatus описывает статус проверки депозита.
type DepositStatus string

const (
	DepositStatusPending  DepositStatus = "pending"
	DepositStatusApproved DepositStatus = "approved"
	DepositStatusRejected DepositStatus = "rejected"
)

// Valid сообщает, является ли статус известным.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositStatusPending, DepositStatusApproved, DepositStatusRejected:
		return true
	}
	return false
}

// Deposit описывает сданную наличность за период по одному или нескольким способам оплаты.
type Deposit struct {
	ID              int64
	PaymentMethodID int64
	StartDate       time.Time
	EndDate         time.Time
	TotalAmount     decimal.Decimal
	TaxAmount       decimal.Decimal
	NetAmount       decimal.Decimal
	MethodGroup     []int64
	Status          DepositStatus
	RejectionReason string
	CreatedAt       time.Time
	ReviewedAt      *time.Time
}

// Target возвращает нормализованный список способов оплаты депозита.
func (d Deposit) Target() MethodTarget {
	if len(d.MethodGroup) == 0 {
		return SingleMethod(d.PaymentMethodID)
	}
	return GroupMethods(d.MethodGroup...)
}

// Overlaps сообщает, пересекается ли период депозита с [start, end].
func (d Deposit) Overlaps(start, end time.Time) bool {
	return !d.StartDate.After(end) && !d.EndDate.Before(start)
}

// DepositAllocation описывает строку реестра распределений: сумма депозита, закрывающая разрыв
// по одному способу оплаты за период депозита.
type DepositAllocation struct {
	DepositID       int64           `json:"deposit_id"`
	PaymentMethodID int64           `json:"payment_method_id"`
	PeriodStart     time.Time       `json:"-"`
	PeriodEnd       time.Time       `json:"-"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
}

// AllocationBucket содержит сумму одобренных распределений по способу оплаты и периоду.
type AllocationBucket struct {
	PaymentMethodID int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Allocated       decimal.Decimal
}

// PeriodTotals содержит агрегаты по способу оплаты за период.
type PeriodTotals struct {
	NetInvoices   decimal.Decimal
	ApprovedAlloc decimal.Decimal
}

// PeriodGap описывает отчётное представление разрыва за период.
type PeriodGap struct {
	PaymentMethodID int64
	StartDate       time.Time
	EndDate         time.Time
	NetSales        decimal.Decimal
	Approved        decimal.Decimal
	Pending         decimal.Decimal
	Gap             decimal.Decimal
}

// FundingViolation описывает нарушение инварианта двойного покрытия,
// найденное при аудите реестра распределений.
type FundingViolation struct {
	PaymentMethodID int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	NetSales        decimal.Decimal
	Allocated       decimal.Decimal
	Excess          decimal.Decimal
}

// Date приводит момент времени к календарному дню в UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate разбирает дату в формате DateLayout.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

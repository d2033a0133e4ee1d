package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

// MemoryRepository хранит реестр в памяти процесса. Используется в тестах
// и при запуске без DATABASE_URI.
type MemoryRepository struct {
	mu sync.RWMutex

	methods     map[int64]model.PaymentMethod
	invoices    map[int64]model.Invoice
	credits     map[int64]model.CreditNote
	deposits    map[int64]model.Deposit
	allocations map[int64][]model.DepositAllocation

	nextMethodID  int64
	nextInvoiceID int64
	nextCreditID  int64
	nextDepositID int64

	now func() time.Time
}

// NewMemoryRepository создаёт пустой реестр в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		methods:     make(map[int64]model.PaymentMethod),
		invoices:    make(map[int64]model.Invoice),
		credits:     make(map[int64]model.CreditNote),
		deposits:    make(map[int64]model.Deposit),
		allocations: make(map[int64][]model.DepositAllocation),
		now:         time.Now,
	}
}

// Close ничего не делает: ресурсов у хранилища в памяти нет.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreatePaymentMethod создаёт активный способ оплаты.
func (r *MemoryRepository) CreatePaymentMethod(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.methods {
		if m.Name == name {
			return 0, ErrPaymentMethodExists
		}
	}

	r.nextMethodID++
	r.methods[r.nextMethodID] = model.PaymentMethod{ID: r.nextMethodID, Name: name, Active: true}
	return r.nextMethodID, nil
}

// ListPaymentMethods возвращает способы оплаты по возрастанию id.
func (r *MemoryRepository) ListPaymentMethods(_ context.Context) ([]model.PaymentMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.PaymentMethod, 0, len(r.methods))
	for _, m := range r.methods {
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// DeactivatePaymentMethod помечает способ оплаты неактивным.
func (r *MemoryRepository) DeactivatePaymentMethod(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.methods[id]
	if !ok {
		return model.ErrPaymentMethodNotFound
	}
	m.Active = false
	r.methods[id] = m
	return nil
}

// AddInvoice сохраняет счёт продажи.
func (r *MemoryRepository) AddInvoice(_ context.Context, inv model.Invoice) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.methods[inv.PaymentMethodID]; !ok {
		return 0, model.ErrPaymentMethodNotFound
	}

	r.nextInvoiceID++
	inv.ID = r.nextInvoiceID
	inv.SaleOrderDate = model.Date(inv.SaleOrderDate)
	r.invoices[inv.ID] = inv
	return inv.ID, nil
}

// AddCreditNote сохраняет кредит-ноту. Дата продажи и, если не задан, способ оплаты
// наследуются от исходного счёта.
func (r *MemoryRepository) AddCreditNote(_ context.Context, cn model.CreditNote) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[cn.OriginalInvoiceID]
	if !ok {
		return 0, model.ErrInvoiceNotFound
	}
	if cn.PaymentMethodID == 0 {
		cn.PaymentMethodID = inv.PaymentMethodID
	}
	if _, ok := r.methods[cn.PaymentMethodID]; !ok {
		return 0, model.ErrPaymentMethodNotFound
	}

	r.nextCreditID++
	cn.ID = r.nextCreditID
	cn.SaleOrderDate = inv.SaleOrderDate
	r.credits[cn.ID] = cn
	return cn.ID, nil
}

// CreateDeposit сохраняет депозит в статусе pending.
func (r *MemoryRepository) CreateDeposit(_ context.Context, d model.Deposit) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range d.Target().Distinct() {
		if _, ok := r.methods[id]; !ok {
			return 0, model.ErrPaymentMethodNotFound
		}
	}

	r.nextDepositID++
	d.ID = r.nextDepositID
	d.StartDate = model.Date(d.StartDate)
	d.EndDate = model.Date(d.EndDate)
	d.MethodGroup = slices.Clone(d.MethodGroup)
	d.Status = model.DepositStatusPending
	d.RejectionReason = ""
	d.CreatedAt = r.now()
	d.ReviewedAt = nil
	r.deposits[d.ID] = d
	return d.ID, nil
}

// GetDeposit возвращает депозит по id.
func (r *MemoryRepository) GetDeposit(_ context.Context, id int64) (*model.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deposits[id]
	if !ok {
		return nil, model.ErrDepositNotFound
	}
	d.MethodGroup = slices.Clone(d.MethodGroup)
	return &d, nil
}

// ListDeposits возвращает депозиты в порядке создания. Пустой статус означает все депозиты.
func (r *MemoryRepository) ListDeposits(_ context.Context, status model.DepositStatus) ([]model.Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Deposit
	for _, d := range r.deposits {
		if status != "" && d.Status != status {
			continue
		}
		d.MethodGroup = slices.Clone(d.MethodGroup)
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// ReviewDeposit переводит депозит из pending в approved или rejected.
// Строки распределения неодобренного депозита удаляются в той же операции.
func (r *MemoryRepository) ReviewDeposit(_ context.Context, id int64, status model.DepositStatus, reason string) (*model.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[id]
	if !ok {
		return nil, model.ErrDepositNotFound
	}
	if d.Status != model.DepositStatusPending {
		return nil, &model.StateError{DepositID: id, Status: d.Status, Op: "review", Err: model.ErrDepositAlreadyReviewed}
	}

	reviewedAt := r.now()
	d.Status = status
	d.ReviewedAt = &reviewedAt
	d.RejectionReason = ""
	if status == model.DepositStatusRejected {
		d.RejectionReason = reason
	}
	if status != model.DepositStatusApproved {
		delete(r.allocations, id)
	}
	r.deposits[id] = d

	d.MethodGroup = slices.Clone(d.MethodGroup)
	return &d, nil
}

// DeleteDeposit удаляет депозит вместе с его строками распределения.
func (r *MemoryRepository) DeleteDeposit(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deposits[id]; !ok {
		return model.ErrDepositNotFound
	}
	delete(r.allocations, id)
	delete(r.deposits, id)
	return nil
}

// SumNetSales возвращает сумму проведённых счетов за вычетом проведённых кредит-нот.
func (r *MemoryRepository) SumNetSales(_ context.Context, methodID int64, start, end time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start, end = model.Date(start), model.Date(end)
	total := decimal.Zero

	for _, inv := range r.invoices {
		if inv.State != model.DocumentStatePosted || !matchMethod(methodID, inv.PaymentMethodID) {
			continue
		}
		if inDateRange(inv.SaleOrderDate, start, end) {
			total = total.Add(inv.AmountTotal)
		}
	}

	for _, cn := range r.credits {
		if cn.State != model.DocumentStatePosted || !matchMethod(methodID, cn.PaymentMethodID) {
			continue
		}
		inv, ok := r.invoices[cn.OriginalInvoiceID]
		if !ok {
			continue
		}
		if inDateRange(inv.SaleOrderDate, start, end) {
			total = total.Sub(cn.AmountTotal)
		}
	}

	return total, nil
}

// SumApprovedAllocations возвращает сумму строк одобренных депозитов,
// чей период пересекается с [start, end].
func (r *MemoryRepository) SumApprovedAllocations(_ context.Context, methodID int64, start, end time.Time, excludeDepositID int64) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start, end = model.Date(start), model.Date(end)
	total := decimal.Zero

	for depositID, rows := range r.allocations {
		if depositID == excludeDepositID {
			continue
		}
		if d, ok := r.deposits[depositID]; !ok || d.Status != model.DepositStatusApproved {
			continue
		}
		for _, row := range rows {
			if matchMethod(methodID, row.PaymentMethodID) && periodOverlaps(row.PeriodStart, row.PeriodEnd, start, end) {
				total = total.Add(row.AllocatedAmount)
			}
		}
	}

	return total, nil
}

// ReplaceAllocations атомарно заменяет строки распределения одобренного депозита.
func (r *MemoryRepository) ReplaceAllocations(_ context.Context, depositID int64, rows []model.DepositAllocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[depositID]
	if !ok {
		return model.ErrDepositNotFound
	}
	if d.Status != model.DepositStatusApproved {
		return &model.StateError{DepositID: depositID, Status: d.Status, Op: "replace allocations"}
	}

	if len(rows) == 0 {
		delete(r.allocations, depositID)
		return nil
	}

	stored := make([]model.DepositAllocation, 0, len(rows))
	for _, row := range rows {
		row.DepositID = depositID
		row.PeriodStart = model.Date(row.PeriodStart)
		row.PeriodEnd = model.Date(row.PeriodEnd)
		stored = append(stored, row)
	}
	r.allocations[depositID] = stored
	return nil
}

// ListAllocations возвращает строки распределения депозита по возрастанию способа оплаты.
func (r *MemoryRepository) ListAllocations(_ context.Context, depositID int64) ([]model.DepositAllocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := slices.Clone(r.allocations[depositID])
	sort.Slice(res, func(i, j int) bool { return res[i].PaymentMethodID < res[j].PaymentMethodID })
	return res, nil
}

// ClearAllocations удаляет строки распределения, чей период пересекается с [start, end].
// Нулевой methodID означает все способы оплаты.
func (r *MemoryRepository) ClearAllocations(_ context.Context, methodID int64, start, end time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, end = model.Date(start), model.Date(end)
	var deleted int64

	for depositID, rows := range r.allocations {
		kept := rows[:0]
		for _, row := range rows {
			if matchMethod(methodID, row.PaymentMethodID) && periodOverlaps(row.PeriodStart, row.PeriodEnd, start, end) {
				deleted++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			delete(r.allocations, depositID)
		} else {
			r.allocations[depositID] = kept
		}
	}

	return deleted, nil
}

// ListAllocationBuckets возвращает суммы одобренных распределений по способу оплаты и периоду.
func (r *MemoryRepository) ListAllocationBuckets(_ context.Context) ([]model.AllocationBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type bucketKey struct {
		methodID   int64
		start, end time.Time
	}
	sums := make(map[bucketKey]decimal.Decimal)

	for depositID, rows := range r.allocations {
		if d, ok := r.deposits[depositID]; !ok || d.Status != model.DepositStatusApproved {
			continue
		}
		for _, row := range rows {
			k := bucketKey{methodID: row.PaymentMethodID, start: row.PeriodStart, end: row.PeriodEnd}
			sums[k] = sums[k].Add(row.AllocatedAmount)
		}
	}

	res := make([]model.AllocationBucket, 0, len(sums))
	for k, sum := range sums {
		res = append(res, model.AllocationBucket{
			PaymentMethodID: k.methodID,
			PeriodStart:     k.start,
			PeriodEnd:       k.end,
			Allocated:       sum,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].PaymentMethodID != res[j].PaymentMethodID {
			return res[i].PaymentMethodID < res[j].PaymentMethodID
		}
		if !res[i].PeriodStart.Equal(res[j].PeriodStart) {
			return res[i].PeriodStart.Before(res[j].PeriodStart)
		}
		return res[i].PeriodEnd.Before(res[j].PeriodEnd)
	})
	return res, nil
}

func matchMethod(filter, methodID int64) bool {
	return filter == 0 || filter == methodID
}

func inDateRange(d, start, end time.Time) bool {
	return !d.Before(start) && !d.After(end)
}

func periodOverlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !aEnd.Before(bStart)
}

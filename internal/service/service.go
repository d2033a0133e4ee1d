// Package service реализует бизнес-логику сверки продаж и депозитов.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
	"github.com/ayakhalid01/accounting-sub000/internal/preview"
	"github.com/ayakhalid01/accounting-sub000/internal/reconcile"
)

// Repository описывает контракт доступа к реестру, используемый сервисом.
type Repository interface {
	reconcile.Store

	Close() error
	CreatePaymentMethod(ctx context.Context, name string) (int64, error)
	ListPaymentMethods(ctx context.Context) ([]model.PaymentMethod, error)
	DeactivatePaymentMethod(ctx context.Context, id int64) error
	AddInvoice(ctx context.Context, inv model.Invoice) (int64, error)
	AddCreditNote(ctx context.Context, cn model.CreditNote) (int64, error)
	CreateDeposit(ctx context.Context, d model.Deposit) (int64, error)
	GetDeposit(ctx context.Context, id int64) (*model.Deposit, error)
	ListDeposits(ctx context.Context, status model.DepositStatus) ([]model.Deposit, error)
	ReviewDeposit(ctx context.Context, id int64, status model.DepositStatus, reason string) (*model.Deposit, error)
	DeleteDeposit(ctx context.Context, id int64) error
	ListAllocations(ctx context.Context, depositID int64) ([]model.DepositAllocation, error)
	ClearAllocations(ctx context.Context, methodID int64, start, end time.Time) (int64, error)
	ListAllocationBuckets(ctx context.Context) ([]model.AllocationBucket, error)
}

var (
	ledgerStart = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	ledgerEnd   = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// Service содержит бизнес-логику сервиса сверки.
type Service struct {
	repo     Repository
	engine   *reconcile.Engine
	previews *preview.Scheduler
	logger   *zap.Logger
}

// NewService создаёт сервис поверх реестра и хранилища предпросмотров.
func NewService(repo Repository, cache preview.Store, logger *zap.Logger, opts ...preview.Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := reconcile.NewEngine(repo, logger)

	return &Service{
		repo:     repo,
		engine:   engine,
		previews: preview.NewScheduler(engine.Allocator, engine.Committer, cache, logger, opts...),
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RunRefreshWorker обрабатывает фоновые фиксации распределений до отмены контекста.
func (s *Service) RunRefreshWorker(ctx context.Context) {
	s.previews.Run(ctx)
}

// CreatePaymentMethod создаёт способ оплаты.
func (s *Service) CreatePaymentMethod(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, &model.InputError{Field: "name", Reason: "required"}
	}
	return s.repo.CreatePaymentMethod(ctx, name)
}

// ListPaymentMethods возвращает все способы оплаты.
func (s *Service) ListPaymentMethods(ctx context.Context) ([]model.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx)
}

// DeactivatePaymentMethod мягко отключает способ оплаты.
func (s *Service) DeactivatePaymentMethod(ctx context.Context, id int64) error {
	return s.repo.DeactivatePaymentMethod(ctx, id)
}

// AddInvoice принимает счёт от системы учёта продаж.
func (s *Service) AddInvoice(ctx context.Context, inv model.Invoice) (int64, error) {
	if inv.AmountTotal.IsNegative() {
		return 0, &model.InputError{Field: "amount_total", Reason: "negative"}
	}
	if inv.State == "" {
		inv.State = model.DocumentStatePosted
	}
	return s.repo.AddInvoice(ctx, inv)
}

// AddCreditNote принимает кредит-ноту от системы учёта продаж.
// Кредит-нота без исходного счёта не принимается.
func (s *Service) AddCreditNote(ctx context.Context, cn model.CreditNote) (int64, error) {
	if cn.OriginalInvoiceID <= 0 {
		return 0, &model.InputError{Field: "original_invoice_id", Reason: "required"}
	}
	if cn.AmountTotal.IsNegative() {
		return 0, &model.InputError{Field: "amount_total", Reason: "negative"}
	}
	if cn.State == "" {
		cn.State = model.DocumentStatePosted
	}
	return s.repo.AddCreditNote(ctx, cn)
}

// DepositInput содержит данные формы приёма депозита.
type DepositInput struct {
	PaymentMethodID int64
	StartDate       time.Time
	EndDate         time.Time
	TotalAmount     decimal.Decimal
	TaxAmount       decimal.Decimal
	MethodGroup     []int64
}

// CreateDeposit сохраняет депозит в статусе pending и сразу строит его предпросмотр.
// Чистая сумма равна total + tax.
func (s *Service) CreateDeposit(ctx context.Context, in DepositInput) (*model.Deposit, error) {
	d := model.Deposit{
		PaymentMethodID: in.PaymentMethodID,
		StartDate:       model.Date(in.StartDate),
		EndDate:         model.Date(in.EndDate),
		TotalAmount:     in.TotalAmount,
		TaxAmount:       in.TaxAmount,
		NetAmount:       in.TotalAmount.Add(in.TaxAmount),
		MethodGroup:     slices.Clone(in.MethodGroup),
		Status:          model.DepositStatusPending,
	}
	if d.PaymentMethodID <= 0 && len(d.MethodGroup) > 0 {
		d.PaymentMethodID = d.MethodGroup[0]
	}
	if d.PaymentMethodID <= 0 {
		return nil, &model.InputError{Field: "payment_method_id", Reason: "required"}
	}
	if d.TotalAmount.IsNegative() {
		return nil, &model.InputError{Field: "total_amount", Reason: "negative"}
	}
	if err := reconcile.ValidateDeposit(d); err != nil {
		return nil, err
	}

	id, err := s.repo.CreateDeposit(ctx, d)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.previews.WarmPending(ctx, []model.Deposit{*created}); err != nil {
		s.logger.Warn("warm preview of new deposit failed", zap.Int64("depositID", id), zap.Error(err))
	}

	return created, nil
}

// GetDeposit возвращает депозит.
func (s *Service) GetDeposit(ctx context.Context, id int64) (*model.Deposit, error) {
	return s.repo.GetDeposit(ctx, id)
}

// ListDeposits возвращает депозиты с указанным статусом. Для pending недостающие
// предпросмотры строятся заранее.
func (s *Service) ListDeposits(ctx context.Context, status model.DepositStatus) ([]model.Deposit, error) {
	if status != "" && !status.Valid() {
		return nil, &model.InputError{Field: "status", Reason: "unknown status"}
	}

	deposits, err := s.repo.ListDeposits(ctx, status)
	if err != nil {
		return nil, err
	}

	if status == "" || status == model.DepositStatusPending {
		if err := s.previews.WarmPending(ctx, deposits); err != nil {
			s.logger.Warn("warm pending previews failed", zap.Error(err))
		}
	}

	return deposits, nil
}

// Preview возвращает план распределения депозита без записи в реестр.
func (s *Service) Preview(ctx context.Context, id int64, force bool) (preview.Result, error) {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return preview.Result{}, err
	}
	return s.previews.Preview(ctx, *d, force)
}

// Commit пересчитывает и фиксирует распределение одобренного депозита.
func (s *Service) Commit(ctx context.Context, id int64) ([]model.DepositAllocation, error) {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.engine.Committer.Commit(ctx, *d)
	if err != nil {
		return nil, err
	}

	s.refreshAffected(ctx, d.Target().Distinct(), d.StartDate, d.EndDate)
	return rows, nil
}

// Approve одобряет депозит и фиксирует его распределение. Если фиксация не удалась,
// депозит остаётся одобренным, а ошибка возвращается для повтора оператором.
func (s *Service) Approve(ctx context.Context, id int64) (*model.Deposit, []model.DepositAllocation, error) {
	d, err := s.repo.ReviewDeposit(ctx, id, model.DepositStatusApproved, "")
	if err != nil {
		return nil, nil, err
	}

	// План, построенный для pending-депозита, больше не описывает его.
	s.invalidate(ctx, id)

	rows, err := s.engine.Committer.Commit(ctx, *d)
	if err != nil {
		s.logger.Error("commit after approval failed", zap.Int64("depositID", id), zap.Error(err))
		return d, nil, fmt.Errorf("deposit %d approved, allocation commit failed: %w", id, err)
	}

	s.refreshAffected(ctx, d.Target().Distinct(), d.StartDate, d.EndDate)
	return d, rows, nil
}

// Reject отклоняет депозит с указанием причины.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (*model.Deposit, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &model.InputError{Field: "reason", Reason: "required"}
	}

	d, err := s.repo.ReviewDeposit(ctx, id, model.DepositStatusRejected, reason)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, id)
	return d, nil
}

// DeleteDeposit удаляет депозит вместе с его строками распределения.
func (s *Service) DeleteDeposit(ctx context.Context, id int64) error {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteDeposit(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)

	if d.Status == model.DepositStatusApproved {
		s.refreshAffected(ctx, d.Target().Distinct(), d.StartDate, d.EndDate)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if err := s.previews.Invalidate(ctx, id); err != nil {
		s.logger.Warn("preview invalidation failed", zap.Int64("depositID", id), zap.Error(err))
	}
}

// refreshAffected пересчитывает предпросмотры pending-депозитов, которые делят хотя бы
// один способ оплаты из methods и пересекаются с периодом [start, end].
// Пустой methods означает все способы оплаты.
func (s *Service) refreshAffected(ctx context.Context, methods []int64, start, end time.Time) {
	pending, err := s.repo.ListDeposits(ctx, model.DepositStatusPending)
	if err != nil {
		s.logger.Warn("list pending deposits for preview refresh failed", zap.Error(err))
		return
	}

	affected := pending[:0]
	for _, d := range pending {
		if !d.Overlaps(start, end) {
			continue
		}
		if len(methods) > 0 && !slices.ContainsFunc(d.Target().Distinct(), func(id int64) bool {
			return slices.Contains(methods, id)
		}) {
			continue
		}
		affected = append(affected, d)
	}
	if len(affected) == 0 {
		return
	}

	if err := s.previews.RefreshPending(ctx, affected); err != nil {
		s.logger.Warn("pending previews refresh failed", zap.Error(err))
	}
}

// ListAllocations возвращает зафиксированные строки распределения депозита.
func (s *Service) ListAllocations(ctx context.Context, id int64) ([]model.DepositAllocation, error) {
	if _, err := s.repo.GetDeposit(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAllocations(ctx, id)
}

// Clear удаляет строки распределения по способу оплаты (ноль означает все способы) за период.
func (s *Service) Clear(ctx context.Context, methodID int64, start, end time.Time) (int64, error) {
	if end.Before(start) {
		return 0, &model.InputError{Field: "end_date", Reason: "before start_date"}
	}

	deleted, err := s.repo.ClearAllocations(ctx, methodID, start, end)
	if err != nil {
		return 0, err
	}

	s.logger.Warn("allocations cleared",
		zap.Int64("paymentMethodID", methodID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int64("deleted", deleted),
	)

	var methods []int64
	if methodID != 0 {
		methods = []int64{methodID}
	}
	s.refreshAffected(ctx, methods, start, end)
	return deleted, nil
}

// RefreshReport содержит итог полного пересчёта распределений.
type RefreshReport struct {
	Cleared    int64
	Deposits   int
	Rows       int
	Failed     []int64
	Violations []model.FundingViolation
}

// RefreshAll удаляет все строки распределения и заново фиксирует все одобренные
// депозиты в порядке их создания, после чего проверяет реестр на двойное покрытие.
// Ошибка фиксации отдельного депозита не прерывает пересчёт.
//
// Список одобренных депозитов читается после очистки: депозит, одобренный во время
// очистки, попадает в пересчёт и не остаётся без строк.
func (s *Service) RefreshAll(ctx context.Context) (*RefreshReport, error) {
	cleared, err := s.repo.ClearAllocations(ctx, 0, ledgerStart, ledgerEnd)
	if err != nil {
		return nil, err
	}

	approved, err := s.repo.ListDeposits(ctx, model.DepositStatusApproved)
	if err != nil {
		return nil, err
	}

	report := &RefreshReport{Cleared: cleared}
	for _, d := range approved {
		rows, err := s.engine.Committer.Commit(ctx, d)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			s.logger.Error("refresh commit failed", zap.Int64("depositID", d.ID), zap.Error(err))
			report.Failed = append(report.Failed, d.ID)
			continue
		}
		report.Deposits++
		report.Rows += len(rows)
	}

	s.refreshAffected(ctx, nil, ledgerStart, ledgerEnd)

	report.Violations, err = s.Audit(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("allocations refreshed",
		zap.Int64("cleared", report.Cleared),
		zap.Int("deposits", report.Deposits),
		zap.Int("rows", report.Rows),
		zap.Int("failed", len(report.Failed)),
		zap.Int("violations", len(report.Violations)),
	)

	return report, nil
}

// Audit ищет корзины, где одобренные распределения превышают чистые продажи.
// Нарушения логируются и возвращаются, но не исправляются.
func (s *Service) Audit(ctx context.Context) ([]model.FundingViolation, error) {
	buckets, err := s.repo.ListAllocationBuckets(ctx)
	if err != nil {
		return nil, err
	}

	var violations []model.FundingViolation
	for _, b := range buckets {
		totals, err := s.engine.Aggregator.Aggregate(ctx, reconcile.PeriodQuery{
			PaymentMethodID: b.PaymentMethodID,
			Start:           b.PeriodStart,
			End:             b.PeriodEnd,
		})
		if err != nil {
			return nil, err
		}

		net := reconcile.NonNegative(totals.NetInvoices)
		if !b.Allocated.GreaterThan(net) {
			continue
		}

		v := model.FundingViolation{
			PaymentMethodID: b.PaymentMethodID,
			PeriodStart:     b.PeriodStart,
			PeriodEnd:       b.PeriodEnd,
			NetSales:        net,
			Allocated:       b.Allocated,
			Excess:          b.Allocated.Sub(net),
		}
		s.logger.Warn("allocation exceeds net sales",
			zap.Int64("paymentMethodID", v.PaymentMethodID),
			zap.Time("periodStart", v.PeriodStart),
			zap.Time("periodEnd", v.PeriodEnd),
			zap.String("netSales", v.NetSales.String()),
			zap.String("allocated", v.Allocated.String()),
		)
		violations = append(violations, v)
	}

	return violations, nil
}

// PeriodGap возвращает отчёт о разрыве за период. Нулевой methodID означает все способы оплаты.
// Pending содержит сумму покрытия этого способа в предпросмотрах ожидающих депозитов за период.
func (s *Service) PeriodGap(ctx context.Context, methodID int64, start, end time.Time) (*model.PeriodGap, error) {
	if end.Before(start) {
		return nil, &model.InputError{Field: "end_date", Reason: "before start_date"}
	}

	totals, err := s.engine.Aggregator.Aggregate(ctx, reconcile.PeriodQuery{
		PaymentMethodID: methodID,
		Start:           start,
		End:             end,
	})
	if err != nil {
		return nil, err
	}

	pendingDeposits, err := s.repo.ListDeposits(ctx, model.DepositStatusPending)
	if err != nil {
		return nil, err
	}

	pending := decimal.Zero
	for _, d := range pendingDeposits {
		if !d.Overlaps(start, end) {
			continue
		}
		if methodID != 0 && !slices.Contains(d.Target().Distinct(), methodID) {
			continue
		}

		res, err := s.previews.Preview(ctx, d, false)
		if err != nil {
			s.logger.Warn("pending preview unavailable for period gap", zap.Int64("depositID", d.ID), zap.Error(err))
			continue
		}
		for _, m := range res.Plan.PerMethod {
			if methodID == 0 || m.PaymentMethodID == methodID {
				pending = pending.Add(m.GapCovered)
			}
		}
	}

	return &model.PeriodGap{
		PaymentMethodID: methodID,
		StartDate:       start,
		EndDate:         end,
		NetSales:        totals.NetInvoices,
		Approved:        totals.ApprovedAlloc,
		Pending:         pending,
		Gap:             reconcile.NonNegative(totals.NetInvoices.Sub(totals.ApprovedAlloc)),
	}, nil
}

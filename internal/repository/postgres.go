// Package repository содержит реализации реестра сверки: PostgreSQL и хранилище в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPaymentMethodExists возвращается при попытке создать способ оплаты с уже существующим названием.
var ErrPaymentMethodExists = errors.New("payment method already exists")

// PostgresRepository предоставляет доступ к реестру в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
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

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePaymentMethod создаёт активный способ оплаты.
func (r *PostgresRepository) CreatePaymentMethod(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payment_methods (name) VALUES ($1) RETURNING id`,
		name,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrPaymentMethodExists, name)
		}
		return 0, fmt.Errorf("create payment method: %w", err)
	}
	return id, nil
}

// ListPaymentMethods возвращает способы оплаты по возрастанию id.
func (r *PostgresRepository) ListPaymentMethods(ctx context.Context) ([]model.PaymentMethod, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, active FROM payment_methods ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select payment methods: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentMethod
	for rows.Next() {
		var m model.PaymentMethod
		if err := rows.Scan(&m.ID, &m.Name, &m.Active); err != nil {
			return nil, fmt.Errorf("scan payment method: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DeactivatePaymentMethod помечает способ оплаты неактивным.
func (r *PostgresRepository) DeactivatePaymentMethod(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE payment_methods SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrPaymentMethodNotFound
	}
	return nil
}

// AddInvoice сохраняет счёт продажи.
func (r *PostgresRepository) AddInvoice(ctx context.Context, inv model.Invoice) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invoices (payment_method_id, sale_order_date, amount_total, state)
		 VALUES ($1, $2, $3::numeric, $4)
		 RETURNING id`,
		inv.PaymentMethodID, model.Date(inv.SaleOrderDate), inv.AmountTotal.String(), string(inv.State),
	).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, model.ErrPaymentMethodNotFound
		}
		return 0, fmt.Errorf("insert invoice: %w", err)
	}
	return id, nil
}

// AddCreditNote сохраняет кредит-ноту. Дата продажи и, если не задан, способ оплаты
// наследуются от исходного счёта.
func (r *PostgresRepository) AddCreditNote(ctx context.Context, cn model.CreditNote) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO credit_notes (original_invoice_id, payment_method_id, sale_order_date, amount_total, state)
		 SELECT i.id, COALESCE(NULLIF($2::bigint, 0), i.payment_method_id), i.sale_order_date, $3::numeric, $4
		 FROM invoices i
		 WHERE i.id = $1
		 RETURNING id`,
		cn.OriginalInvoiceID, cn.PaymentMethodID, cn.AmountTotal.String(), string(cn.State),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.ErrInvoiceNotFound
		}
		if isForeignKeyViolation(err) {
			return 0, model.ErrPaymentMethodNotFound
		}
		return 0, fmt.Errorf("insert credit note: %w", err)
	}
	return id, nil
}

// CreateDeposit сохраняет депозит в статусе pending.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, d model.Deposit) (int64, error) {
	group := d.MethodGroup
	if group == nil {
		group = []int64{}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var known int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_methods WHERE id = ANY($1)`,
		d.Target().Distinct(),
	).Scan(&known)
	if err != nil {
		return 0, fmt.Errorf("check payment methods: %w", err)
	}
	if known != len(d.Target().Distinct()) {
		return 0, model.ErrPaymentMethodNotFound
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO deposits (payment_method_id, start_date, end_date, total_amount, tax_amount, net_amount, method_group, status)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8)
		 RETURNING id`,
		d.PaymentMethodID, model.Date(d.StartDate), model.Date(d.EndDate),
		d.TotalAmount.String(), d.TaxAmount.String(), d.NetAmount.String(),
		group, string(model.DepositStatusPending),
	).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, model.ErrPaymentMethodNotFound
		}
		return 0, fmt.Errorf("insert deposit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

const depositColumns = `id, payment_method_id, start_date, end_date,
	total_amount::text, tax_amount::text, net_amount::text,
	method_group, status, rejection_reason, created_at, reviewed_at`

func scanDeposit(row pgx.Row) (*model.Deposit, error) {
	var (
		d               model.Deposit
		status          string
		total, tax, net string
		reason          *string
	)

	err := row.Scan(&d.ID, &d.PaymentMethodID, &d.StartDate, &d.EndDate,
		&total, &tax, &net,
		&d.MethodGroup, &status, &reason, &d.CreatedAt, &d.ReviewedAt)
	if err != nil {
		return nil, err
	}

	if d.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total_amount: %w", err)
	}
	if d.TaxAmount, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("parse tax_amount: %w", err)
	}
	if d.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("parse net_amount: %w", err)
	}

	d.Status = model.DepositStatus(status)
	d.StartDate = model.Date(d.StartDate)
	d.EndDate = model.Date(d.EndDate)
	if reason != nil {
		d.RejectionReason = *reason
	}
	if len(d.MethodGroup) == 0 {
		d.MethodGroup = nil
	}

	return &d, nil
}

// GetDeposit возвращает депозит по id.
func (r *PostgresRepository) GetDeposit(ctx context.Context, id int64) (*model.Deposit, error) {
	d, err := scanDeposit(r.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrDepositNotFound
		}
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

// ListDeposits возвращает депозиты в порядке создания. Пустой статус означает все депозиты.
func (r *PostgresRepository) ListDeposits(ctx context.Context, status model.DepositStatus) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+depositColumns+`
		 FROM deposits
		 WHERE $1::text = '' OR status = $1
		 ORDER BY created_at, id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select deposits: %w", err)
	}
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReviewDeposit переводит депозит из pending в approved или rejected.
// Строки распределения неодобренного депозита удаляются в той же транзакции.
func (r *PostgresRepository) ReviewDeposit(ctx context.Context, id int64, status model.DepositStatus, reason string) (*model.Deposit, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM deposits WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrDepositNotFound
		}
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	if model.DepositStatus(current) != model.DepositStatusPending {
		return nil, &model.StateError{DepositID: id, Status: model.DepositStatus(current), Op: "review", Err: model.ErrDepositAlreadyReviewed}
	}

	var rejection *string
	if status == model.DepositStatusRejected {
		rejection = &reason
	}

	d, err := scanDeposit(tx.QueryRow(ctx,
		`UPDATE deposits
		 SET status = $2, rejection_reason = $3, reviewed_at = now()
		 WHERE id = $1
		 RETURNING `+depositColumns,
		id, string(status), rejection,
	))
	if err != nil {
		return nil, fmt.Errorf("update deposit status: %w", err)
	}

	if status != model.DepositStatusApproved {
		if _, err := tx.Exec(ctx, `DELETE FROM deposit_allocations WHERE deposit_id = $1`, id); err != nil {
			return nil, fmt.Errorf("delete allocations: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return d, nil
}

// DeleteDeposit удаляет депозит вместе с его строками распределения.
func (r *PostgresRepository) DeleteDeposit(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM deposit_allocations WHERE deposit_id = $1`, id); err != nil {
		return fmt.Errorf("delete allocations: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM deposits WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDepositNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) sumDecimal(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	var raw string
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, query, args...).Scan(&raw)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// SumNetSales возвращает сумму проведённых счетов за вычетом проведённых кредит-нот.
// Кредит-ноты относятся к периоду по дате продажи исходного счёта.
func (r *PostgresRepository) SumNetSales(ctx context.Context, methodID int64, start, end time.Time) (decimal.Decimal, error) {
	sum, err := r.sumDecimal(ctx,
		`SELECT (
			(SELECT COALESCE(SUM(i.amount_total), 0)
			 FROM invoices i
			 WHERE i.state = 'posted'
			   AND ($1::bigint = 0 OR i.payment_method_id = $1)
			   AND i.sale_order_date BETWEEN $2 AND $3)
			-
			(SELECT COALESCE(SUM(c.amount_total), 0)
			 FROM credit_notes c
			 JOIN invoices i ON i.id = c.original_invoice_id
			 WHERE c.state = 'posted'
			   AND ($1::bigint = 0 OR c.payment_method_id = $1)
			   AND i.sale_order_date BETWEEN $2 AND $3)
		)::text`,
		methodID, model.Date(start), model.Date(end),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum net sales: %w", err)
	}
	return sum, nil
}

// SumApprovedAllocations возвращает сумму строк одобренных депозитов,
// чей период пересекается с [start, end].
func (r *PostgresRepository) SumApprovedAllocations(ctx context.Context, methodID int64, start, end time.Time, excludeDepositID int64) (decimal.Decimal, error) {
	sum, err := r.sumDecimal(ctx,
		`SELECT COALESCE(SUM(a.allocated_amount), 0)::text
		 FROM deposit_allocations a
		 JOIN deposits d ON d.id = a.deposit_id
		 WHERE d.status = 'approved'
		   AND ($1::bigint = 0 OR a.payment_method_id = $1)
		   AND a.period_start <= $3
		   AND a.period_end >= $2
		   AND a.deposit_id <> $4`,
		methodID, model.Date(start), model.Date(end), excludeDepositID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum approved allocations: %w", err)
	}
	return sum, nil
}

// ReplaceAllocations атомарно заменяет строки распределения одобренного депозита.
// Строка депозита блокируется, чтобы параллельное отклонение или удаление не оставило строк.
func (r *PostgresRepository) ReplaceAllocations(ctx context.Context, depositID int64, rows []model.DepositAllocation) error {
	return r.withRetry(ctx, func() error {
		return r.replaceAllocations(ctx, depositID, rows)
	})
}

func (r *PostgresRepository) replaceAllocations(ctx context.Context, depositID int64, rows []model.DepositAllocation) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM deposits WHERE id = $1 FOR UPDATE`, depositID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrDepositNotFound
		}
		return fmt.Errorf("lock deposit: %w", err)
	}
	if model.DepositStatus(status) != model.DepositStatusApproved {
		return &model.StateError{DepositID: depositID, Status: model.DepositStatus(status), Op: "replace allocations"}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM deposit_allocations WHERE deposit_id = $1`, depositID); err != nil {
		return fmt.Errorf("delete allocations: %w", err)
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			`INSERT INTO deposit_allocations (deposit_id, payment_method_id, period_start, period_end, allocated_amount)
			 VALUES ($1, $2, $3, $4, $5::numeric)`,
			depositID, row.PaymentMethodID, model.Date(row.PeriodStart), model.Date(row.PeriodEnd), row.AllocatedAmount.String(),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert allocations: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListAllocations возвращает строки распределения депозита по возрастанию способа оплаты.
func (r *PostgresRepository) ListAllocations(ctx context.Context, depositID int64) ([]model.DepositAllocation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT deposit_id, payment_method_id, period_start, period_end, allocated_amount::text
		 FROM deposit_allocations
		 WHERE deposit_id = $1
		 ORDER BY payment_method_id`,
		depositID,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	var res []model.DepositAllocation
	for rows.Next() {
		var (
			a      model.DepositAllocation
			amount string
		)
		if err := rows.Scan(&a.DepositID, &a.PaymentMethodID, &a.PeriodStart, &a.PeriodEnd, &amount); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if a.AllocatedAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse allocated_amount: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClearAllocations удаляет строки распределения, чей период пересекается с [start, end].
// Нулевой methodID означает все способы оплаты.
func (r *PostgresRepository) ClearAllocations(ctx context.Context, methodID int64, start, end time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM deposit_allocations
		 WHERE ($1::bigint = 0 OR payment_method_id = $1)
		   AND period_start <= $3
		   AND period_end >= $2`,
		methodID, model.Date(start), model.Date(end),
	)
	if err != nil {
		return 0, fmt.Errorf("clear allocations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListAllocationBuckets возвращает суммы одобренных распределений по способу оплаты и периоду.
func (r *PostgresRepository) ListAllocationBuckets(ctx context.Context) ([]model.AllocationBucket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.payment_method_id, a.period_start, a.period_end, SUM(a.allocated_amount)::text
		 FROM deposit_allocations a
		 JOIN deposits d ON d.id = a.deposit_id
		 WHERE d.status = 'approved'
		 GROUP BY a.payment_method_id, a.period_start, a.period_end
		 ORDER BY a.payment_method_id, a.period_start, a.period_end`,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocation buckets: %w", err)
	}
	defer rows.Close()

	var res []model.AllocationBucket
	for rows.Next() {
		var (
			b   model.AllocationBucket
			sum string
		)
		if err := rows.Scan(&b.PaymentMethodID, &b.PeriodStart, &b.PeriodEnd, &sum); err != nil {
			return nil, fmt.Errorf("scan allocation bucket: %w", err)
		}
		if b.Allocated, err = decimal.NewFromString(sum); err != nil {
			return nil, fmt.Errorf("parse bucket sum: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

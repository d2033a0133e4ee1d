package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

// AllocationWriter атомарно заменяет строки распределения депозита.
// Реализация обязана удалить прежние строки и вставить новые в одной транзакции
// и вернуть StateError, если депозит в момент записи не одобрен.
type AllocationWriter interface {
	ReplaceAllocations(ctx context.Context, depositID int64, rows []model.DepositAllocation) error
}

// Planner строит план распределения депозита.
type Planner interface {
	Allocate(ctx context.Context, d model.Deposit) (model.AllocationPlan, error)
}

// Committer фиксирует план распределения в реестре.
//
// Фиксации сериализуются по способам оплаты: план пересчитывается под
// блокировками всех способов депозита, поэтому два депозита с общим способом
// не могут одновременно прочитать один и тот же разрыв.
type Committer struct {
	planner Planner
	writer  AllocationWriter
	locks   *methodLocks
	logger  *zap.Logger
}

// NewCommitter создаёт фиксатор распределений.
func NewCommitter(planner Planner, writer AllocationWriter, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{
		planner: planner,
		writer:  writer,
		locks:   newMethodLocks(),
		logger:  logger,
	}
}

// Commit пересчитывает план одобренного депозита и заменяет его строки в реестре.
// Повторный вызов на неизменном реестре записывает те же строки.
func (c *Committer) Commit(ctx context.Context, d model.Deposit) ([]model.DepositAllocation, error) {
	if d.Status != model.DepositStatusApproved {
		return nil, &model.StateError{DepositID: d.ID, Status: d.Status, Op: "commit"}
	}

	unlock := c.locks.lock(d.Target().Distinct())
	defer unlock()

	plan, err := c.planner.Allocate(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("allocate deposit %d: %w", d.ID, err)
	}

	rows := Rows(d, plan)
	if err := c.writer.ReplaceAllocations(ctx, d.ID, rows); err != nil {
		return nil, fmt.Errorf("replace allocations of deposit %d: %w", d.ID, err)
	}

	c.logger.Info("allocations committed",
		zap.Int64("depositID", d.ID),
		zap.Int("rows", len(rows)),
		zap.String("covered", plan.TotalGapCovered.String()),
		zap.String("remaining", plan.TotalRemaining.String()),
	)

	return rows, nil
}

type methodLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newMethodLocks() *methodLocks {
	return &methodLocks{locks: make(map[int64]*sync.Mutex)}
}

// lock захватывает блокировки способов в порядке возрастания id.
func (l *methodLocks) lock(methodIDs []int64) func() {
	ids := slices.Clone(methodIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	l.mu.Lock()
	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		m, ok := l.locks[id]
		if !ok {
			m = &sync.Mutex{}
			l.locks[id] = m
		}
		held = append(held, m)
	}
	l.mu.Unlock()

	for _, m := range held {
		m.Lock()
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

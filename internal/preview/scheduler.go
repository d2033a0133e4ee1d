package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

// DefaultCooldown задаёт минимальный интервал между фоновыми фиксациями одного депозита.
const DefaultCooldown = 5 * time.Minute

// Planner строит план распределения без изменения реестра.
type Planner interface {
	Allocate(ctx context.Context, d model.Deposit) (model.AllocationPlan, error)
}

// Committer фиксирует распределение одобренного депозита.
type Committer interface {
	Commit(ctx context.Context, d model.Deposit) ([]model.DepositAllocation, error)
}

// Result описывает предпросмотр, отданный вызывающему.
type Result struct {
	Entry
	// Cached выставляется, если план взят из кеша без пересчёта.
	Cached bool
	// Stale выставляется, если пересчёт не удался и отдан прежний план из кеша.
	Stale bool
}

// Scheduler кеширует предпросмотры и запускает фоновую фиксацию одобренных депозитов
// не чаще одного раза за cooldown на депозит.
type Scheduler struct {
	planner   Planner
	committer Committer
	store     Store
	logger    *zap.Logger

	cooldown    time.Duration
	warmLimit   int
	now         func() time.Time
	commitQueue chan model.Deposit

	mu         sync.Mutex
	lastCommit map[int64]time.Time
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithCooldown задаёт интервал троттлинга фоновой фиксации.
func WithCooldown(d time.Duration) Option {
	return func(s *Scheduler) {
		s.cooldown = d
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithQueueSize задаёт ёмкость очереди фоновых фиксаций.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		s.commitQueue = make(chan model.Deposit, n)
	}
}

// WithWarmConcurrency ограничивает число одновременных пересчётов при прогреве.
func WithWarmConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.warmLimit = n
	}
}

// NewScheduler создаёт планировщик предпросмотров.
func NewScheduler(planner Planner, committer Committer, store Store, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		planner:     planner,
		committer:   committer,
		store:       store,
		logger:      logger,
		cooldown:    DefaultCooldown,
		warmLimit:   4,
		now:         time.Now,
		commitQueue: make(chan model.Deposit, 64),
		lastCommit:  make(map[int64]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Preview возвращает план распределения депозита. Кешированный план отдаётся без пересчёта,
// если force не выставлен. Для одобренного депозита в фоне ставится его фиксация,
// в том числе при попадании в кеш: частоту ограничивает cooldown.
//
// Если пересчёт не удался, отдаётся прежний план из кеша с признаком Stale;
// при пустом кеше возвращается ошибка, обёрнутая в model.ErrPreviewUnavailable.
func (s *Scheduler) Preview(ctx context.Context, d model.Deposit, force bool) (Result, error) {
	cached, found, err := s.store.Get(ctx, d.ID)
	if err != nil {
		s.logger.Warn("preview cache read failed", zap.Int64("depositID", d.ID), zap.Error(err))
		found = false
	}

	if found && !force {
		if d.Status == model.DepositStatusApproved {
			s.ScheduleCommit(d, false)
		}
		return Result{Entry: cached, Cached: true}, nil
	}

	computedAt := s.now()
	plan, err := s.planner.Allocate(ctx, d)
	if err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			return Result{}, err
		}
		if found {
			s.logger.Warn("preview recompute failed, serving cached plan",
				zap.Int64("depositID", d.ID), zap.Error(err))
			return Result{Entry: cached, Cached: true, Stale: true}, nil
		}
		return Result{}, fmt.Errorf("%w: %w", model.ErrPreviewUnavailable, err)
	}

	entry := Entry{Plan: plan, ComputedAt: computedAt}
	accepted, err := s.store.Put(ctx, d.ID, entry)
	switch {
	case err != nil:
		s.logger.Warn("preview cache write failed", zap.Int64("depositID", d.ID), zap.Error(err))
	case !accepted:
		s.logger.Debug("newer preview already cached", zap.Int64("depositID", d.ID))
	}

	if d.Status == model.DepositStatusApproved {
		s.ScheduleCommit(d, force)
	}

	return Result{Entry: entry}, nil
}

// ScheduleCommit ставит фиксацию депозита в фоновую очередь, если с прошлой постановки
// прошло не меньше cooldown. force обходит троттлинг. Возвращает признак постановки.
func (s *Scheduler) ScheduleCommit(d model.Deposit, force bool) bool {
	now := s.now()

	s.mu.Lock()
	last, ok := s.lastCommit[d.ID]
	if !force && ok && now.Sub(last) < s.cooldown {
		s.mu.Unlock()
		return false
	}
	s.lastCommit[d.ID] = now
	s.mu.Unlock()

	select {
	case s.commitQueue <- d:
		return true
	default:
		s.logger.Warn("commit queue is full, refresh skipped", zap.Int64("depositID", d.ID))
		s.mu.Lock()
		if s.lastCommit[d.ID].Equal(now) {
			delete(s.lastCommit, d.ID)
		}
		s.mu.Unlock()
		return false
	}
}

// Run обрабатывает очередь фоновых фиксаций до отмены контекста.
// Неудачная фиксация только логируется: повтор произойдёт при следующем триггере.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.commitQueue:
			s.commit(ctx, d)
		}
	}
}

func (s *Scheduler) commit(ctx context.Context, d model.Deposit) {
	rows, err := s.committer.Commit(ctx, d)
	if err != nil {
		s.logger.Error("background commit failed", zap.Int64("depositID", d.ID), zap.Error(err))
		return
	}
	s.logger.Debug("background commit done", zap.Int64("depositID", d.ID), zap.Int("rows", len(rows)))
}

// WarmPending строит недостающие предпросмотры для депозитов в статусе pending,
// чтобы план был готов к моменту рассмотрения. Ошибки отдельных депозитов логируются.
func (s *Scheduler) WarmPending(ctx context.Context, deposits []model.Deposit) error {
	return s.warm(ctx, deposits, false)
}

// RefreshPending пересчитывает предпросмотры депозитов в статусе pending в обход кеша.
// Вызывается после изменения реестра, которое делает закешированные планы устаревшими.
func (s *Scheduler) RefreshPending(ctx context.Context, deposits []model.Deposit) error {
	return s.warm(ctx, deposits, true)
}

func (s *Scheduler) warm(ctx context.Context, deposits []model.Deposit, force bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.warmLimit)

	for _, d := range deposits {
		if d.Status != model.DepositStatusPending {
			continue
		}
		g.Go(func() error {
			if _, err := s.Preview(ctx, d, force); err != nil {
				s.logger.Warn("warm preview failed", zap.Int64("depositID", d.ID), zap.Bool("force", force), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

// Invalidate удаляет предпросмотр депозита и сбрасывает его троттлинг.
func (s *Scheduler) Invalidate(ctx context.Context, depositID int64) error {
	s.mu.Lock()
	delete(s.lastCommit, depositID)
	s.mu.Unlock()

	return s.store.Delete(ctx, depositID)
}

package reconcile

import "go.uber.org/zap"

// Store описывает реестр, достаточный для полного цикла сверки.
type Store interface {
	Ledger
	AllocationWriter
}

// Engine связывает компоненты сверки поверх одного реестра.
type Engine struct {
	Aggregator *Aggregator
	Gaps       *GapCalculator
	Allocator  *Allocator
	Committer  *Committer
}

// NewEngine собирает агрегатор, калькулятор разрыва, распределитель и фиксатор.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	aggregator := NewAggregator(store)
	gaps := NewGapCalculator(aggregator)
	allocator := NewAllocator(gaps)

	return &Engine{
		Aggregator: aggregator,
		Gaps:       gaps,
		Allocator:  allocator,
		Committer:  NewCommitter(allocator, store, logger),
	}
}

// Package preview кеширует планы распределения депозитов и планирует фоновую
// фиксацию распределений одобренных депозитов.
package preview

import (
	"context"
	"sync"
	"time"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

// Entry хранит закешированный план с моментом его вычисления.
type Entry struct {
	Plan       model.AllocationPlan `json:"plan"`
	ComputedAt time.Time            `json:"computed_at"`
}

// Store хранит предпросмотры по id депозита.
// Put сохраняет запись, только если она не старше уже сохранённой, и сообщает, была ли запись принята.
type Store interface {
	Get(ctx context.Context, depositID int64) (Entry, bool, error)
	Put(ctx context.Context, depositID int64, e Entry) (bool, error)
	Delete(ctx context.Context, depositID int64) error
}

// MemoryStore хранит предпросмотры в памяти процесса.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

// NewMemoryStore создаёт пустое хранилище предпросмотров.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]Entry)}
}

// Get возвращает предпросмотр депозита.
func (s *MemoryStore) Get(_ context.Context, depositID int64) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[depositID]
	return e, ok, nil
}

// Put сохраняет предпросмотр; более старая запись не перетирает более новую.
func (s *MemoryStore) Put(_ context.Context, depositID int64, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[depositID]; ok && cur.ComputedAt.After(e.ComputedAt) {
		return false, nil
	}
	s.entries[depositID] = e
	return true, nil
}

// Delete удаляет предпросмотр депозита.
func (s *MemoryStore) Delete(_ context.Context, depositID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, depositID)
	return nil
}

// Close ничего не делает.
func (s *MemoryStore) Close() error {
	return nil
}

package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same visible semantics as the Postgres
// store: writes are staged per transaction and applied atomically on commit, and row locks
// are held until commit or rollback. Rows are stored by value, so callers must put copies.
type MemoryStore struct {
	mu          sync.Mutex
	tables      map[string]map[string]any
	seqs        map[string]int64
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty MemoryStore. A lock wait longer than lockTimeout fails
// with ErrLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &MemoryStore{
		tables:      make(map[string]map[string]any),
		seqs:        make(map[string]int64),
		locks:       make(map[string]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &MemoryTx{
		store:  s,
		staged: make(map[string]map[string]stagedRow),
		held:   make(map[string]chan struct{}),
	}, nil
}

// NextID returns the next value of a per-table sequence. Like a database sequence it is
// not rolled back.
func (s *MemoryStore) NextID(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[table]++
	return s.seqs[table]
}

// Get reads a committed row.
func (s *MemoryStore) Get(table, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][key]
	return row, ok
}

// Scan returns every committed row of table in no particular order.
func (s *MemoryStore) Scan(table string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]any, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		rows = append(rows, row)
	}
	return rows
}

func (s *MemoryStore) semaphore(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[key] = sem
	}
	return sem
}

type stagedRow struct {
	row     any
	deleted bool
}

// MemoryTx implements Tx for MemoryStore.
type MemoryTx struct {
	store  *MemoryStore
	staged map[string]map[string]stagedRow
	held   map[string]chan struct{}
	done   bool
}

// MemTx unwraps a Tx opened by MemoryStore.
func MemTx(tx Tx) (*MemoryTx, error) {
	memTx, ok := tx.(*MemoryTx)
	if !ok {
		return nil, errors.New("storage: expected *MemoryTx")
	}
	if memTx.done {
		return nil, ErrTxDone
	}
	return memTx, nil
}

// Lock acquires an exclusive lock on key for the lifetime of the transaction. Locks are
// reentrant for the owning transaction.
func (t *MemoryTx) Lock(ctx context.Context, key string) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}

	sem := t.store.semaphore(key)
	timer := time.NewTimer(t.store.lockTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		t.held[key] = sem
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return ctx.Err()
	}
}

// Get reads a row as seen by this transaction.
func (t *MemoryTx) Get(table, key string) (any, bool) {
	if staged, ok := t.staged[table][key]; ok {
		if staged.deleted {
			return nil, false
		}
		return staged.row, true
	}
	return t.store.Get(table, key)
}

// Put stages an insert or update.
func (t *MemoryTx) Put(table, key string, row any) {
	if t.staged[table] == nil {
		t.staged[table] = make(map[string]stagedRow)
	}
	t.staged[table][key] = stagedRow{row: row}
}

// Delete stages a delete.
func (t *MemoryTx) Delete(table, key string) {
	if t.staged[table] == nil {
		t.staged[table] = make(map[string]stagedRow)
	}
	t.staged[table][key] = stagedRow{deleted: true}
}

// Scan returns every row of table as seen by this transaction, in no particular order.
func (t *MemoryTx) Scan(table string) []any {
	t.store.mu.Lock()
	merged := make(map[string]any, len(t.store.tables[table]))
	for key, row := range t.store.tables[table] {
		merged[key] = row
	}
	t.store.mu.Unlock()

	for key, staged := range t.staged[table] {
		if staged.deleted {
			delete(merged, key)
			continue
		}
		merged[key] = staged.row
	}

	rows := make([]any, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, row)
	}
	return rows
}

func (t *MemoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}

	t.store.mu.Lock()
	for table, rows := range t.staged {
		if t.store.tables[table] == nil {
			t.store.tables[table] = make(map[string]any)
		}
		for key, staged := range rows {
			if staged.deleted {
				delete(t.store.tables[table], key)
				continue
			}
			t.store.tables[table][key] = staged.row
		}
	}
	t.store.mu.Unlock()

	t.release()
	return nil
}

func (t *MemoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.staged = nil
	t.release()
	return nil
}

func (t *MemoryTx) release() {
	for key, sem := range t.held {
		<-sem
		delete(t.held, key)
	}
	t.done = true
}

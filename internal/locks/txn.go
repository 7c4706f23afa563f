package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/errs"
)

// TxnStatus is a transaction journal state.
type TxnStatus string

const (
	TxnInit      TxnStatus = "INIT"
	TxnAcquire   TxnStatus = "ACQUIRE"
	TxnExec      TxnStatus = "EXEC"
	TxnCommit    TxnStatus = "COMMIT"
	TxnFail      TxnStatus = "FAIL"
	TxnReleasing TxnStatus = "RELEASING"
	TxnReleased  TxnStatus = "RELEASED"
)

// MoveRecord remembers one completed rename so rollback can revert it.
type MoveRecord struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// RollbackInfo accumulates the undo state of a transaction: moves to
// revert (in reverse order) and temp paths to delete.
type RollbackInfo struct {
	Moves     []MoveRecord `json:"moves,omitempty"`
	TempPaths []string     `json:"temp_paths,omitempty"`
}

// TxnRecord is the journal entry persisted at every status transition.
type TxnRecord struct {
	ID        string       `json:"id"`
	Locks     []string     `json:"locks"`
	Status    TxnStatus    `json:"status"`
	InitInfo  string       `json:"init_info,omitempty"`
	Rollback  RollbackInfo `json:"rollback_info"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TxnManager journals mutating multi-file operations to the backend so
// interrupted transactions can be rolled back on startup.
type TxnManager struct {
	backend backend.Backend
	locks   *PathLockManager
	dir     string

	mu     sync.Mutex
	active map[string]*Txn
}

// NewTxnManager creates a transaction manager journaling under dir
// (a backend-relative directory, conventionally "queue/txn").
func NewTxnManager(b backend.Backend, lockManager *PathLockManager, dir string) *TxnManager {
	return &TxnManager{
		backend: b,
		locks:   lockManager,
		dir:     dir,
		active:  make(map[string]*Txn),
	}
}

// Txn is one journaled transaction. The owner drives it through
// RecordMove/AddTempPath during EXEC and finishes with Commit or Fail.
type Txn struct {
	manager *TxnManager
	lease   *Lease
	record  TxnRecord
}

func (m *TxnManager) journalPath(id string) string {
	return path.Join(m.dir, id+".json")
}

func (m *TxnManager) persist(ctx context.Context, rec *TxnRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errs.E(errs.CodeInternal, "marshal txn record", err)
	}
	if err := m.backend.WriteBytes(ctx, m.journalPath(rec.ID), data); err != nil {
		return fmt.Errorf("persist txn %s: %w", rec.ID, err)
	}
	return nil
}

// Begin opens a transaction: journals INIT and ACQUIRE, acquires write
// locks on the given paths (sorted, blocking, cancellable), then
// journals EXEC.
func (m *TxnManager) Begin(ctx context.Context, lockPaths []string, initInfo string) (*Txn, error) {
	now := time.Now().UTC()
	txn := &Txn{
		manager: m,
		record: TxnRecord{
			ID:        uuid.NewString(),
			Locks:     lockPaths,
			Status:    TxnInit,
			InitInfo:  initInfo,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if err := m.persist(ctx, &txn.record); err != nil {
		return nil, err
	}

	txn.record.Status = TxnAcquire
	if err := m.persist(ctx, &txn.record); err != nil {
		return nil, err
	}
	lease, err := m.locks.AcquireWrite(ctx, lockPaths...)
	if err != nil {
		txn.record.Status = TxnReleased
		_ = m.persist(context.WithoutCancel(ctx), &txn.record)
		return nil, errs.E(errs.CodeDeadlineExceeded, "acquire path locks", err)
	}
	txn.lease = lease

	txn.record.Status = TxnExec
	if err := m.persist(ctx, &txn.record); err != nil {
		lease.Release()
		return nil, err
	}

	m.mu.Lock()
	m.active[txn.record.ID] = txn
	m.mu.Unlock()
	return txn, nil
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.record.ID }

// RecordMove journals a completed rename for potential rollback.
func (t *Txn) RecordMove(ctx context.Context, src, dst string) error {
	t.record.Rollback.Moves = append(t.record.Rollback.Moves, MoveRecord{Src: src, Dst: dst})
	return t.manager.persist(ctx, &t.record)
}

// AddTempPath journals a temp path to delete during rollback or cleanup.
func (t *Txn) AddTempPath(ctx context.Context, p string) error {
	t.record.Rollback.TempPaths = append(t.record.Rollback.TempPaths, p)
	return t.manager.persist(ctx, &t.record)
}

// Commit finishes the transaction successfully and releases its locks.
func (t *Txn) Commit(ctx context.Context) error {
	return t.finish(ctx, TxnCommit, nil)
}

// Fail rolls the transaction back (reverting journaled moves in reverse
// and deleting temp paths), then releases its locks.
func (t *Txn) Fail(ctx context.Context, cause error) error {
	if cause != nil {
		t.record.Error = cause.Error()
	}
	t.manager.rollback(ctx, &t.record)
	return t.finish(ctx, TxnFail, cause)
}

func (t *Txn) finish(ctx context.Context, status TxnStatus, cause error) error {
	// Finish must run even when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)

	t.record.Status = status
	if err := t.manager.persist(ctx, &t.record); err != nil {
		t.release(ctx)
		return err
	}
	t.record.Status = TxnReleasing
	if err := t.manager.persist(ctx, &t.record); err != nil {
		t.release(ctx)
		return err
	}
	t.release(ctx)
	t.record.Status = TxnReleased
	if err := t.manager.persist(ctx, &t.record); err != nil {
		return err
	}
	// Terminal records are kept only as tombstones; drop the journal file.
	_ = t.manager.backend.Delete(ctx, t.manager.journalPath(t.record.ID))
	return nil
}

func (t *Txn) release(ctx context.Context) {
	if t.lease != nil {
		t.lease.Release()
		t.lease = nil
	}
	t.manager.mu.Lock()
	delete(t.manager.active, t.record.ID)
	t.manager.mu.Unlock()
}

// rollback reverts journaled moves in reverse order, then removes temp
// paths. Errors are best-effort: a failed revert must not mask the
// original failure.
func (m *TxnManager) rollback(ctx context.Context, rec *TxnRecord) {
	ctx = context.WithoutCancel(ctx)
	for i := len(rec.Rollback.Moves) - 1; i >= 0; i-- {
		mv := rec.Rollback.Moves[i]
		_ = m.backend.Move(ctx, mv.Dst, mv.Src)
	}
	for _, p := range rec.Rollback.TempPaths {
		_ = m.backend.Delete(ctx, p)
	}
}

// Recover scans the journal directory and rolls back every transaction
// that never reached RELEASED. Called once at startup before the service
// accepts traffic.
func (m *TxnManager) Recover(ctx context.Context) (int, error) {
	entries, err := m.backend.List(ctx, m.dir)
	if err != nil {
		if errs.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list txn journal: %w", err)
	}
	recovered := 0
	for _, entry := range entries {
		if entry.IsDir || !strings.HasSuffix(entry.Name, ".json") {
			continue
		}
		p := path.Join(m.dir, entry.Name)
		data, err := m.backend.ReadBytes(ctx, p)
		if err != nil {
			continue
		}
		var rec TxnRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Unparseable journal entries are dropped; they cannot be
			// rolled back and must not wedge startup.
			_ = m.backend.Delete(ctx, p)
			continue
		}
		if rec.Status == TxnReleased {
			_ = m.backend.Delete(ctx, p)
			continue
		}
		m.rollback(ctx, &rec)
		rec.Status = TxnReleased
		_ = m.persist(ctx, &rec)
		_ = m.backend.Delete(ctx, p)
		recovered++
	}
	return recovered, nil
}

// Snapshot reports active transactions for the observer endpoint.
func (m *TxnManager) Snapshot() []TxnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TxnRecord, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.record)
	}
	return out
}

package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskfoundry/escrow-core/internal/ledger"
	"github.com/taskfoundry/escrow-core/internal/platform/audit"
)

// Txn is one unit of work against the durable store. Every money path runs
// inside exactly one Txn; the Postgres implementation maps it onto a
// SERIALIZABLE transaction, the memory implementation onto an engine-wide
// mutex held until Commit or Rollback.
type Txn interface {
	// LockState loads the state lock for update. The second return is false
	// when no lock row exists yet.
	LockState(ctx context.Context, taskID string) (StateLock, bool, error)
	InsertLock(ctx context.Context, lock StateLock) error
	UpdateLock(ctx context.Context, lock StateLock) error

	Task(ctx context.Context, taskID string) (Task, error)
	InsertTask(ctx context.Context, t Task) error
	UpdateTask(ctx context.Context, t Task) error

	User(ctx context.Context, userID string) (User, error)
	InsertUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, u User) error

	EventProcessed(ctx context.Context, eventID string) (bool, error)
	ExternalEventProcessed(ctx context.Context, externalID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, taskID string, at time.Time) error
	MarkExternalEventProcessed(ctx context.Context, externalID string, at time.Time) error

	// InsertXPAward returns false when the award already exists for the
	// escrow, which is the exactly-once replay signal.
	InsertXPAward(ctx context.Context, award XPAward) (bool, error)

	LastAuditHash(ctx context.Context) (string, error)
	InsertAudit(ctx context.Context, e audit.Event) error

	KillSwitch(ctx context.Context) (bool, string, error)
	SetKillSwitch(ctx context.Context, active bool, reason string, at time.Time) error

	Dispute(ctx context.Context, taskID string) (Dispute, bool, error)
	InsertDispute(ctx context.Context, d Dispute) error
	UpdateDispute(ctx context.Context, d Dispute) error

	InsertTrustEntry(ctx context.Context, e TrustEntry) error
	InsertAdminAction(ctx context.Context, a AdminAction) error

	// HeldLocksOlderThan lists task ids whose escrow has sat in held past the
	// cutoff, for the timeout sweeper.
	HeldLocksOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	// LedgerCommit commits a prepared ledger transaction inside this unit of
	// work, so ledger rows and the state lock move atomically.
	LedgerCommit(ctx context.Context, eng *ledger.Engine, txULID string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
}

// memStore keeps everything in maps behind one mutex. Used by unit tests and
// by deployments that run without Postgres.
type memStore struct {
	mu sync.Mutex

	locks     map[string]StateLock
	tasks     map[string]Task
	users     map[string]User
	processed map[string]time.Time
	external  map[string]time.Time
	xp        map[string]XPAward // by money_state_lock_task_id
	auditLog  []audit.Event
	disputes  map[string]Dispute // by task id
	trust     []TrustEntry
	admin     []AdminAction

	ksActive bool
	ksReason string
}

func NewMemStore() Store {
	return &memStore{
		locks:     make(map[string]StateLock),
		tasks:     make(map[string]Task),
		users:     make(map[string]User),
		processed: make(map[string]time.Time),
		external:  make(map[string]time.Time),
		xp:        make(map[string]XPAward),
		disputes:  make(map[string]Dispute),
	}
}

func (s *memStore) Begin(ctx context.Context) (Txn, error) {
	s.mu.Lock()
	return &memTxn{store: s, staged: s.clone()}, nil
}

func (s *memStore) clone() *memState {
	st := &memState{
		locks:     make(map[string]StateLock, len(s.locks)),
		tasks:     make(map[string]Task, len(s.tasks)),
		users:     make(map[string]User, len(s.users)),
		processed: make(map[string]time.Time, len(s.processed)),
		external:  make(map[string]time.Time, len(s.external)),
		xp:        make(map[string]XPAward, len(s.xp)),
		auditLog:  append([]audit.Event(nil), s.auditLog...),
		disputes:  make(map[string]Dispute, len(s.disputes)),
		trust:     append([]TrustEntry(nil), s.trust...),
		admin:     append([]AdminAction(nil), s.admin...),
		ksActive:  s.ksActive,
		ksReason:  s.ksReason,
	}
	for k, v := range s.locks {
		st.locks[k] = v
	}
	for k, v := range s.tasks {
		st.tasks[k] = v
	}
	for k, v := range s.users {
		st.users[k] = v
	}
	for k, v := range s.processed {
		st.processed[k] = v
	}
	for k, v := range s.external {
		st.external[k] = v
	}
	for k, v := range s.xp {
		st.xp[k] = v
	}
	for k, v := range s.disputes {
		st.disputes[k] = v
	}
	return st
}

type memState struct {
	locks     map[string]StateLock
	tasks     map[string]Task
	users     map[string]User
	processed map[string]time.Time
	external  map[string]time.Time
	xp        map[string]XPAward
	auditLog  []audit.Event
	disputes  map[string]Dispute
	trust     []TrustEntry
	admin     []AdminAction
	ksActive  bool
	ksReason  string
}

// memTxn mutates a staged copy; Commit swaps it in, Rollback discards it.
// The store mutex is held for the whole transaction, which gives the same
// one-writer-per-task serialization the row lock gives in Postgres.
type memTxn struct {
	store  *memStore
	staged *memState
	done   bool
}

func (t *memTxn) finish() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}

func (t *memTxn) Commit(context.Context) error {
	if t.done {
		return nil
	}
	s := t.store
	st := t.staged
	s.locks, s.tasks, s.users = st.locks, st.tasks, st.users
	s.processed, s.external, s.xp = st.processed, st.external, st.xp
	s.auditLog, s.disputes = st.auditLog, st.disputes
	s.trust, s.admin = st.trust, st.admin
	s.ksActive, s.ksReason = st.ksActive, st.ksReason
	t.finish()
	return nil
}

func (t *memTxn) Rollback(context.Context) error {
	t.finish()
	return nil
}

func (t *memTxn) LockState(_ context.Context, taskID string) (StateLock, bool, error) {
	lock, ok := t.staged.locks[taskID]
	return lock, ok, nil
}

func (t *memTxn) InsertLock(_ context.Context, lock StateLock) error {
	if _, ok := t.staged.locks[lock.TaskID]; ok {
		return newErr(CodeConflict, "state lock exists for task "+lock.TaskID)
	}
	t.staged.locks[lock.TaskID] = lock
	return nil
}

func (t *memTxn) UpdateLock(_ context.Context, lock StateLock) error {
	prev, ok := t.staged.locks[lock.TaskID]
	if !ok {
		return newErr(CodeNotFound, "no state lock for task "+lock.TaskID)
	}
	if prev.Current.Terminal() {
		return newErr(CodeInvariantViolation, "state lock for task "+lock.TaskID+" is terminal")
	}
	t.staged.locks[lock.TaskID] = lock
	return nil
}

func (t *memTxn) Task(_ context.Context, taskID string) (Task, error) {
	task, ok := t.staged.tasks[taskID]
	if !ok {
		return Task{}, newErr(CodeNotFound, "no task "+taskID)
	}
	return task, nil
}

func (t *memTxn) InsertTask(_ context.Context, task Task) error {
	if _, ok := t.staged.tasks[task.ID]; ok {
		return newErr(CodeConflict, "task exists: "+task.ID)
	}
	t.staged.tasks[task.ID] = task
	return nil
}

func (t *memTxn) UpdateTask(_ context.Context, task Task) error {
	prev, ok := t.staged.tasks[task.ID]
	if !ok {
		return newErr(CodeNotFound, "no task "+task.ID)
	}
	if prev.Status.Terminal() {
		return newErr(CodeInvariantViolation, "task "+task.ID+" is terminal")
	}
	t.staged.tasks[task.ID] = task
	return nil
}

func (t *memTxn) User(_ context.Context, userID string) (User, error) {
	u, ok := t.staged.users[userID]
	if !ok {
		return User{}, newErr(CodeNotFound, "no user "+userID)
	}
	return u, nil
}

func (t *memTxn) InsertUser(_ context.Context, u User) error {
	if _, ok := t.staged.users[u.ID]; ok {
		return newErr(CodeConflict, "user exists: "+u.ID)
	}
	t.staged.users[u.ID] = u
	return nil
}

func (t *memTxn) UpdateUser(_ context.Context, u User) error {
	if _, ok := t.staged.users[u.ID]; !ok {
		return newErr(CodeNotFound, "no user "+u.ID)
	}
	t.staged.users[u.ID] = u
	return nil
}

func (t *memTxn) EventProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := t.staged.processed[eventID]
	return ok, nil
}

func (t *memTxn) ExternalEventProcessed(_ context.Context, externalID string) (bool, error) {
	_, ok := t.staged.external[externalID]
	return ok, nil
}

func (t *memTxn) MarkEventProcessed(_ context.Context, eventID, _ string, at time.Time) error {
	t.staged.processed[eventID] = at
	return nil
}

func (t *memTxn) MarkExternalEventProcessed(_ context.Context, externalID string, at time.Time) error {
	t.staged.external[externalID] = at
	return nil
}

func (t *memTxn) InsertXPAward(_ context.Context, award XPAward) (bool, error) {
	if _, ok := t.staged.xp[award.MoneyStateLockTaskID]; ok {
		return false, nil
	}
	t.staged.xp[award.MoneyStateLockTaskID] = award
	return true, nil
}

func (t *memTxn) LastAuditHash(_ context.Context) (string, error) {
	if len(t.staged.auditLog) == 0 {
		return audit.Genesis, nil
	}
	return t.staged.auditLog[len(t.staged.auditLog)-1].HashCurr, nil
}

func (t *memTxn) InsertAudit(_ context.Context, e audit.Event) error {
	t.staged.auditLog = append(t.staged.auditLog, e)
	return nil
}

func (t *memTxn) KillSwitch(context.Context) (bool, string, error) {
	return t.staged.ksActive, t.staged.ksReason, nil
}

func (t *memTxn) SetKillSwitch(_ context.Context, active bool, reason string, _ time.Time) error {
	t.staged.ksActive = active
	t.staged.ksReason = reason
	return nil
}

func (t *memTxn) Dispute(_ context.Context, taskID string) (Dispute, bool, error) {
	d, ok := t.staged.disputes[taskID]
	return d, ok, nil
}

func (t *memTxn) InsertDispute(_ context.Context, d Dispute) error {
	if _, ok := t.staged.disputes[d.TaskID]; ok {
		return newErr(CodeConflict, "dispute exists for task "+d.TaskID)
	}
	t.staged.disputes[d.TaskID] = d
	return nil
}

func (t *memTxn) UpdateDispute(_ context.Context, d Dispute) error {
	if _, ok := t.staged.disputes[d.TaskID]; !ok {
		return newErr(CodeNotFound, "no dispute for task "+d.TaskID)
	}
	t.staged.disputes[d.TaskID] = d
	return nil
}

func (t *memTxn) InsertTrustEntry(_ context.Context, e TrustEntry) error {
	t.staged.trust = append(t.staged.trust, e)
	return nil
}

func (t *memTxn) InsertAdminAction(_ context.Context, a AdminAction) error {
	t.staged.admin = append(t.staged.admin, a)
	return nil
}

// LedgerCommit in memory mode commits immediately. A later rollback of this
// Txn does not undo the ledger; the money paths order the commit after all
// validations so that window only exists under store faults.
func (t *memTxn) LedgerCommit(ctx context.Context, eng *ledger.Engine, txULID string) error {
	return eng.Commit(ctx, txULID)
}

func (t *memTxn) HeldLocksOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	var out []string
	for id, lock := range t.staged.locks {
		if lock.Current == MoneyHeld && lock.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

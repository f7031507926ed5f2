// Package variable implements the per-site multiversion record for a
// single data item: an append-only committed history plus a single
// pending uncommitted write (spec §4.1).
package variable

import (
	"errors"
	"sync"

	"github.com/tallydb/tallydb/pkg/txn"
)

// ErrNoVersion is returned when no committed version satisfies the
// caller's visibility rule.
var ErrNoVersion = errors.New("no committed version")

// Version is one entry in a variable's committed history.
type Version struct {
	CommitTS uint64
	Writer   string
	Value    int64
}

// pending is the single outstanding uncommitted write, if any.
type pending struct {
	writer string
	value  int64
}

// Variable is one site-resident copy of a data item. Index is the
// variable's numeric suffix (7 for "x7"), used to derive the default
// value and the replication rule.
type Variable struct {
	ID    string
	Index int

	mu         sync.Mutex
	committed  []Version
	pendingW   *pending
	recovering bool
}

// New creates a variable with its synthetic initial committed version
// (0, "default", 10*index), per spec §3.
func New(id string, index int) *Variable {
	return &Variable{
		ID:    id,
		Index: index,
		committed: []Version{
			{CommitTS: 0, Writer: "default", Value: int64(10 * index)},
		},
	}
}

// IsReplicated reports whether this variable's index is even, i.e. it
// is placed on every site rather than a single one (spec §3).
func (v *Variable) IsReplicated() bool {
	return v.Index%2 == 0
}

// ReadCommitted returns the last committed version visible to txn. A
// nil txn, or a read-write txn, sees the latest commit. A read-only
// txn sees the latest commit at or before its start timestamp (a
// snapshot read).
func (v *Variable) ReadCommitted(t *txn.Transaction) (writer string, value int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readCommittedLocked(t)
}

func (v *Variable) readCommittedLocked(t *txn.Transaction) (string, int64, error) {
	if t != nil && !t.IsReadWrite() {
		var last *Version
		for i := range v.committed {
			if v.committed[i].CommitTS <= t.StartTS {
				last = &v.committed[i]
			} else {
				break
			}
		}
		if last == nil {
			return "", 0, ErrNoVersion
		}
		return last.Writer, last.Value, nil
	}

	if len(v.committed) == 0 {
		return "", 0, ErrNoVersion
	}
	last := v.committed[len(v.committed)-1]
	return last.Writer, last.Value, nil
}

// ReadUncommitted returns the pending value if txn itself owns it;
// otherwise it falls back to ReadCommitted(txn). Spec §9(a) resolves
// the original's misspelled-fallback ambiguity as exactly this call.
func (v *Variable) ReadUncommitted(t *txn.Transaction) (string, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pendingW != nil && v.pendingW.writer == t.ID {
		return v.pendingW.writer, v.pendingW.value, nil
	}
	return v.readCommittedLocked(t)
}

// Write overwrites the pending slot with txn's value. At most one
// pending write may exist at a time; a later write simply replaces it.
func (v *Variable) Write(t *txn.Transaction, value int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pendingW = &pending{writer: t.ID, value: value}
}

// Commit appends the pending write to the committed history at ts and
// clears recovering. Undefined (panics) if there is no pending write;
// callers (the site) must only call Commit when the transaction holds
// the write lock, which guarantees a pending write exists.
func (v *Variable) Commit(ts uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pendingW == nil {
		panic("variable: commit called with no pending write")
	}
	v.committed = append(v.committed, Version{
		CommitTS: ts,
		Writer:   v.pendingW.writer,
		Value:    v.pendingW.value,
	})
	v.pendingW = nil
	v.recovering = false
}

// Recover marks the variable unreadable until its next commit. Callers
// (the site) only invoke this for replicated variables, per spec §4.3.
func (v *Variable) Recover() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recovering = true
}

// IsRecovering reports whether this variable is a just-recovered
// replica with no post-recovery commit yet.
func (v *Variable) IsRecovering() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recovering
}

// ReadDump returns the last committed (writer, value), for dump().
func (v *Variable) ReadDump() (writer string, value int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readCommittedLocked(nil)
}

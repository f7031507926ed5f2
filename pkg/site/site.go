// Package site implements a single data site: the variables it holds,
// its lock table, and its up/down state (spec §4.3).
package site

import (
	"sort"
	"strconv"
	"sync"

	"github.com/tallydb/tallydb/pkg/lock"
	"github.com/tallydb/tallydb/pkg/txn"
	"github.com/tallydb/tallydb/pkg/variable"
)

// ReadStatus classifies the outcome of Read.
type ReadStatus int

const (
	// ReadNotResident means the variable does not live at this site;
	// the coordinator should silently skip it.
	ReadNotResident ReadStatus = iota
	// ReadSuccess means Value holds the value read.
	ReadSuccess
	// ReadNoValue means the site just recovered and has no post-
	// recovery commit for this variable yet; the coordinator should
	// try another site.
	ReadNoValue
	// ReadConflict means a lock conflict blocked the read.
	ReadConflict
)

// ReadResult is the outcome of Read.
type ReadResult struct {
	Status   ReadStatus
	Writer   string
	Value    int64
	Conflict *lock.Conflict
}

// WriteStatus classifies the outcome of Write.
type WriteStatus int

const (
	WriteNotResident WriteStatus = iota
	WriteSuccess
	WriteConflict
)

// WriteResult is the outcome of Write.
type WriteResult struct {
	Status   WriteStatus
	Conflict *lock.Conflict
}

// DumpEntry is one resident variable's last committed state.
type DumpEntry struct {
	Writer string
	Value  int64
}

// Site owns the variables placed on it, its lock table, and its up/down
// state. All operations assume the site is up; callers must check IsUp
// first (the coordinator never calls a down site, per spec §4.3).
type Site struct {
	ID int

	mu    sync.Mutex
	up    bool
	vars  map[string]*variable.Variable
	locks *lock.Table
}

// New creates a site holding the variables placed on it per spec §3's
// placement rule (even index → every site; odd index → its one home).
func New(id int) *Site {
	s := &Site{
		ID:    id,
		up:    true,
		vars:  make(map[string]*variable.Variable),
		locks: lock.NewTable(),
	}
	for i := 1; i <= 20; i++ {
		if i%2 == 0 || 1+(i%10) == id {
			varID := variableName(i)
			s.vars[varID] = variable.New(varID, i)
		}
	}
	return s
}

func variableName(index int) string {
	return "x" + strconv.Itoa(index)
}

// IsUp reports whether the site is currently up.
func (s *Site) IsUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// IsReading reports whether txnID holds a read lock on varID at this
// site. Used by the coordinator's write-protocol upgrade-conflict
// check (spec §4.5.3).
func (s *Site) IsReading(txnID, varID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks.HasReadLock(txnID, varID)
}

// Read implements spec §4.3's read algorithm.
func (s *Site) Read(t *txn.Transaction, varID string) ReadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vars[varID]
	if !ok {
		return ReadResult{Status: ReadNotResident}
	}

	if v.IsRecovering() {
		return ReadResult{Status: ReadNoValue}
	}

	if s.locks.HasWriteLock(t.ID, varID) {
		writer, value, err := v.ReadUncommitted(t)
		if err != nil {
			return ReadResult{Status: ReadNoValue}
		}
		return ReadResult{Status: ReadSuccess, Writer: writer, Value: value}
	}

	if t.IsReadWrite() {
		if c := s.locks.AcquireRead(t.ID, varID); c != nil {
			return ReadResult{Status: ReadConflict, Conflict: c}
		}
	}

	writer, value, err := v.ReadCommitted(t)
	if err != nil {
		return ReadResult{Status: ReadNoValue}
	}
	return ReadResult{Status: ReadSuccess, Writer: writer, Value: value}
}

// Write implements spec §4.3's write algorithm. Not-resident variables
// are silently skipped (the coordinator never even calls Write for
// them, since it iterates sitesFor(var), but the guard stays cheap).
func (s *Site) Write(t *txn.Transaction, varID string, value int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vars[varID]
	if !ok {
		return WriteResult{Status: WriteNotResident}
	}

	if c := s.locks.AcquireWrite(t.ID, varID); c != nil {
		return WriteResult{Status: WriteConflict, Conflict: c}
	}

	v.Write(t, value)
	return WriteResult{Status: WriteSuccess}
}

// Commit commits every resident variable on which t holds the write
// lock, then releases all of t's locks at this site.
func (s *Site) Commit(t *txn.Transaction, ts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for varID, v := range s.vars {
		if s.locks.HasWriteLock(t.ID, varID) {
			v.Commit(ts)
		}
	}
	s.locks.ReleaseAll(t.ID)
}

// Abort releases every lock t holds at this site. Any pending write by
// t is simply never committed, so nothing else needs to be undone.
func (s *Site) Abort(t *txn.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks.ReleaseAll(t.ID)
}

// Fail takes the site down and forgets all lock state.
func (s *Site) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up {
		s.up = false
		s.locks.ResetAll()
	}
}

// Recover brings the site back up, marking every replicated resident
// variable as recovering (unreplicated variables never left their sole
// home, so they need no invalidation).
func (s *Site) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up {
		return
	}
	for _, v := range s.vars {
		if v.IsReplicated() {
			v.Recover()
		}
	}
	s.up = true
}

// Dump returns every resident variable's last committed (writer,
// value), keyed by variable id. The result is a map and carries no
// order; callers sort the ids when they need one.
func (s *Site) Dump() map[string]DumpEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]DumpEntry, len(s.vars))
	for varID, v := range s.vars {
		writer, value, err := v.ReadDump()
		if err != nil {
			continue
		}
		out[varID] = DumpEntry{Writer: writer, Value: value}
	}
	return out
}

// VariableIDs returns the ids of every variable resident at this site,
// sorted for deterministic iteration.
func (s *Site) VariableIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.vars))
	for id := range s.vars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package coordinator implements the request router: available-copies
// site selection, the strict-2PL read/write protocols, deadlock
// detection and youngest-victim resolution, site failure cascade, and
// waitlist replay (see MODULE: coordinator in SPEC_FULL.md).
package coordinator

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tallydb/tallydb/pkg/clock"
	"github.com/tallydb/tallydb/pkg/fingerprint"
	"github.com/tallydb/tallydb/pkg/lock"
	"github.com/tallydb/tallydb/pkg/site"
	"github.com/tallydb/tallydb/pkg/txn"
	"github.com/tallydb/tallydb/pkg/waitgraph"
)

// NumSites is the fixed number of simulated sites.
const NumSites = 10

// NumVariables is the fixed number of simulated variables.
const NumVariables = 20

// Status classifies the outcome of a coordinator operation.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusWaitlisted
	StatusAlreadyAborted
	StatusDeadlockAbort
	StatusFailureCascadeAbort
	StatusEnded
	StatusUnknownTransaction
	StatusUnknownSite
)

// Result is the outcome of a coordinator operation.
type Result struct {
	Status   Status
	Message  string
	Value    int64
	Writer   string
	HasValue bool
}

// DumpResult is the outcome of Dump: every site's resident variables
// and a digest over the whole thing.
type DumpResult struct {
	Sites       map[int]map[string]site.DumpEntry
	Fingerprint string
}

// Journal receives a best-effort record of every abort, commit, and
// successful recover. It never influences coordinator state and is
// never read back; see pkg/audit for the concrete implementation.
type Journal interface {
	Record(event, subject string)
}

type opKind uint8

const (
	opRead opKind = iota
	opWrite
)

// waitOp is a queued read or write, replayed in FIFO order whenever a
// lock is released or a site recovers.
type waitOp struct {
	kind  opKind
	txnID string
	varID string
	value int64
}

// Coordinator owns the transaction registry, the ten sites, the
// waits-for graph, the per-transaction touched-sites set, and the
// waitlist. A single mutex serializes every operation, matching the
// "one command at a time" cooperative model of the concurrency design.
type Coordinator struct {
	mu sync.Mutex

	clock    *clock.Clock
	registry *txn.Registry
	sites    map[int]*site.Site
	touched  map[string]map[int]bool
	waitlist []*waitOp
	graph    *waitgraph.Graph
	journal  Journal
}

// New builds a coordinator with NumSites freshly initialized sites.
func New(clk *clock.Clock) *Coordinator {
	c := &Coordinator{
		clock:    clk,
		registry: txn.NewRegistry(),
		sites:    make(map[int]*site.Site, NumSites),
		touched:  make(map[string]map[int]bool),
		graph:    waitgraph.New(),
	}
	for id := 1; id <= NumSites; id++ {
		c.sites[id] = site.New(id)
	}
	return c
}

// SetJournal attaches an observability journal. Passing nil disables
// journaling.
func (c *Coordinator) SetJournal(j Journal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = j
}

func (c *Coordinator) record(event, subject string) {
	if c.journal != nil {
		c.journal.Record(event, subject)
	}
}

// Begin creates a read-write transaction.
func (c *Coordinator) Begin(txnID string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.registry.Get(txnID); err == nil {
		return Result{Status: StatusUnknownTransaction, Message: fmt.Sprintf("%s already exists", txnID)}
	}
	c.registry.Begin(txnID, c.clock.Now())
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("%s begins", txnID)}
}

// BeginRO creates a read-only transaction.
func (c *Coordinator) BeginRO(txnID string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.registry.Get(txnID); err == nil {
		return Result{Status: StatusUnknownTransaction, Message: fmt.Sprintf("%s already exists", txnID)}
	}
	c.registry.BeginRO(txnID, c.clock.Now())
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("%s begins read-only", txnID)}
}

// Read performs a fresh read request from a transaction.
func (c *Coordinator) Read(txnID, varID string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.registry.Get(txnID)
	if err != nil {
		return Result{Status: StatusUnknownTransaction, Message: err.Error()}
	}
	if t.IsAborted() {
		return Result{Status: StatusAlreadyAborted, Message: fmt.Sprintf("%s is aborted", txnID)}
	}
	return c.doRead(t, varID, nil)
}

// Write performs a fresh write request from a transaction.
func (c *Coordinator) Write(txnID, varID string, value int64) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.registry.Get(txnID)
	if err != nil {
		return Result{Status: StatusUnknownTransaction, Message: err.Error()}
	}
	if t.IsAborted() {
		return Result{Status: StatusAlreadyAborted, Message: fmt.Sprintf("%s is aborted", txnID)}
	}
	return c.doWrite(t, varID, value, nil)
}

// sitesFor returns the site ids resident for varID in ascending order:
// every site for an even index, a single home site for an odd one.
func (c *Coordinator) sitesFor(varID string) []int {
	index, err := strconv.Atoi(varID[1:])
	if err != nil {
		return nil
	}
	if index%2 == 0 {
		ids := make([]int, NumSites)
		for i := range ids {
			ids[i] = i + 1
		}
		return ids
	}
	return []int{1 + (index % NumSites)}
}

func (c *Coordinator) touch(txnID string, siteID int) {
	if c.touched[txnID] == nil {
		c.touched[txnID] = make(map[int]bool)
	}
	c.touched[txnID][siteID] = true
}

// doRead implements the read protocol. existing is non-nil when this
// call is a waitlist replay of an already-queued op: in that case no
// new waitlist entry is appended on waitlisting, since one is already
// in place.
func (c *Coordinator) doRead(t *txn.Transaction, varID string, existing *waitOp) Result {
	for _, sid := range c.sitesFor(varID) {
		s := c.sites[sid]
		if !s.IsUp() {
			continue
		}
		if t.IsReadWrite() {
			c.touch(t.ID, sid)
		}
		res := s.Read(t, varID)
		switch res.Status {
		case site.ReadSuccess:
			if t.IsWaiting() {
				t.Activate()
			}
			return Result{Status: StatusSuccess, Value: res.Value, Writer: res.Writer, HasValue: true}
		case site.ReadConflict:
			return c.resolveConflict(t, existing, opRead, varID, 0, res.Conflict)
		case site.ReadNoValue, site.ReadNotResident:
			continue
		}
	}

	c.enqueue(existing, t, &waitOp{kind: opRead, txnID: t.ID, varID: varID})
	return Result{Status: StatusWaitlisted, Message: "no site available"}
}

// doWrite implements the write protocol, including the upgrade-conflict
// scan: a transaction that already holds a read lock and now wants to
// write must not jump ahead of an earlier queued op on the same
// variable by another transaction. Only an abort of t stops the scan
// early; a plain waitlisting of some earlier conflict does not, since t
// itself may still go on to succeed at this or a later site.
func (c *Coordinator) doWrite(t *txn.Transaction, varID string, value int64, existing *waitOp) Result {
	successCount := 0

	for _, sid := range c.sitesFor(varID) {
		s := c.sites[sid]
		if !s.IsUp() {
			continue
		}

		if s.IsReading(t.ID, varID) {
			for _, queued := range c.earlierOpsOn(varID, t.ID) {
				conflict := queuedAsConflict(queued)
				res := c.resolveConflict(t, existing, opWrite, varID, value, conflict)
				if t.IsAborted() {
					return res
				}
			}
		}
		if t.IsAborted() {
			break
		}

		c.touch(t.ID, sid)
		wres := s.Write(t, varID, value)
		switch wres.Status {
		case site.WriteSuccess:
			successCount++
		case site.WriteConflict:
			return c.resolveConflict(t, existing, opWrite, varID, value, wres.Conflict)
		}
	}

	if successCount > 0 {
		if t.IsWaiting() {
			t.Activate()
		}
		return Result{Status: StatusSuccess}
	}

	c.enqueue(existing, t, &waitOp{kind: opWrite, txnID: t.ID, varID: varID, value: value})
	return Result{Status: StatusWaitlisted, Message: "no site available"}
}

// enqueue appends op to the waitlist and marks t WAITING, unless this
// call is replaying an already-queued op (existing != nil) or t is
// already WAITING. The latter guard matters now that doWrite's
// upgrade-conflict scan can call resolveConflict more than once per
// request: without it, a transaction waitlisted by an earlier conflict
// in the same scan would be queued again by a later one.
func (c *Coordinator) enqueue(existing *waitOp, t *txn.Transaction, op *waitOp) {
	if existing == nil && !t.IsWaiting() {
		c.waitlist = append(c.waitlist, op)
	}
	t.Wait()
}

// earlierOpsOn returns queued waitlist ops on varID belonging to a
// transaction other than txnID.
func (c *Coordinator) earlierOpsOn(varID, txnID string) []*waitOp {
	var out []*waitOp
	for _, op := range c.waitlist {
		if op.varID == varID && op.txnID != txnID {
			out = append(out, op)
		}
	}
	return out
}

func queuedAsConflict(op *waitOp) *lock.Conflict {
	if op.kind == opWrite {
		return &lock.Conflict{Kind: lock.Write, Holder: op.txnID}
	}
	return &lock.Conflict{Kind: lock.Read, Holders: []string{op.txnID}}
}

// resolveConflict implements deadlock detection and youngest-victim
// resolution. If no cycle results from any of the conflicting
// transactions, the op (existing, or a freshly built one) is
// waitlisted and t is marked WAITING.
func (c *Coordinator) resolveConflict(t *txn.Transaction, existing *waitOp, kind opKind, varID string, value int64, conflict *lock.Conflict) Result {
	var conflicters []string
	if conflict.Kind == lock.Write {
		conflicters = []string{conflict.Holder}
	} else {
		conflicters = conflict.Holders
	}

	for _, cid := range conflicters {
		if cid == t.ID {
			continue
		}
		c.graph.AddEdge(t.ID, cid)
		if !c.graph.HasCycle() {
			continue
		}

		victim := t
		if other, err := c.registry.Get(cid); err == nil && other.StartTS > t.StartTS {
			victim = other
		}
		c.graph.RemoveVertex(victim.ID)
		c.abortLocked(victim)
		return Result{
			Status:  StatusDeadlockAbort,
			Message: fmt.Sprintf("deadlock detected, aborted %s", victim.ID),
		}
	}

	c.enqueue(existing, t, &waitOp{kind: kind, txnID: t.ID, varID: varID, value: value})
	return Result{Status: StatusWaitlisted, Message: "waitlisted"}
}

// abortLocked releases every lock t holds at every site it touched,
// marks it aborted, removes it from the waits-for graph, and replays
// the waitlist. Assumes c.mu is held.
func (c *Coordinator) abortLocked(t *txn.Transaction) {
	for sid := range c.touched[t.ID] {
		c.sites[sid].Abort(t)
	}
	delete(c.touched, t.ID)
	t.Abort()
	c.graph.RemoveVertex(t.ID)
	c.record("abort", t.ID)
	c.replayWaitlistLocked()
}

// Fail takes a site down and aborts every transaction that touched it.
func (c *Coordinator) Fail(siteID int) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sites[siteID]
	if !ok {
		return Result{Status: StatusUnknownSite, Message: fmt.Sprintf("no such site %d", siteID)}
	}
	s.Fail()

	var affected []string
	for txnID, sids := range c.touched {
		if sids[siteID] {
			affected = append(affected, txnID)
		}
	}
	sort.Strings(affected)
	for _, txnID := range affected {
		t, err := c.registry.Get(txnID)
		if err != nil || t.IsAborted() {
			continue
		}
		c.abortLocked(t)
	}

	return Result{Status: StatusSuccess, Message: fmt.Sprintf("site %d fails", siteID)}
}

// Recover brings a site back up and replays the waitlist.
func (c *Coordinator) Recover(siteID int) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sites[siteID]
	if !ok {
		return Result{Status: StatusUnknownSite, Message: fmt.Sprintf("no such site %d", siteID)}
	}
	s.Recover()
	c.record("recover", strconv.Itoa(siteID))
	c.replayWaitlistLocked()
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("site %d recovers", siteID)}
}

// End terminates a transaction: commit fan-out for read-write
// transactions (or failure-cascade abort if a touched site went down),
// a plain terminal mark for read-only ones.
func (c *Coordinator) End(txnID string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.registry.Get(txnID)
	if err != nil {
		return Result{Status: StatusUnknownTransaction, Message: err.Error()}
	}
	if t.IsAborted() {
		return Result{Status: StatusAlreadyAborted, Message: fmt.Sprintf("%s is aborted", txnID)}
	}

	if !t.IsReadWrite() {
		t.Abort()
		delete(c.touched, txnID)
		c.graph.RemoveVertex(txnID)
		c.replayWaitlistLocked()
		return Result{Status: StatusEnded, Message: fmt.Sprintf("%s ends", txnID)}
	}

	for sid := range c.touched[txnID] {
		if !c.sites[sid].IsUp() {
			c.abortLocked(t)
			return Result{Status: StatusFailureCascadeAbort, Message: fmt.Sprintf("%s aborted: site %d is down", txnID, sid)}
		}
	}

	ts := c.clock.Now()
	for sid := range c.touched[txnID] {
		c.sites[sid].Commit(t, ts)
	}
	delete(c.touched, txnID)
	t.Abort() // terminal: commit already happened, no distinct COMMITTED state is needed.
	c.graph.RemoveVertex(txnID)
	c.record("commit", txnID)
	c.replayWaitlistLocked()
	return Result{Status: StatusEnded, Message: fmt.Sprintf("%s commits", txnID)}
}

// replayWaitlistLocked re-invokes the read/write protocol for every
// queued op in FIFO order. An op is removed once its transaction is no
// longer WAITING; otherwise it stays in place and the loop continues
// past it, preserving relative order among the ops still waiting.
//
// Replaying one op can itself abort some other transaction (via a
// deadlock resolution inside doRead/doWrite) and abortLocked calls back
// into replayWaitlistLocked before returning. That nested call can
// splice c.waitlist — removing entries, shifting everything after them
// down — while this call is still positioned at index i. The index is
// therefore never trusted across a doRead/doWrite call: every removal
// and every advance re-locates the op of interest by identity instead.
func (c *Coordinator) replayWaitlistLocked() {
	i := 0
	for i < len(c.waitlist) {
		op := c.waitlist[i]
		t, err := c.registry.Get(op.txnID)
		if err != nil || t.IsAborted() {
			c.removeOp(op)
			i = 0
			continue
		}

		if op.kind == opRead {
			c.doRead(t, op.varID, op)
		} else {
			c.doWrite(t, op.varID, op.value, op)
		}

		if !t.IsWaiting() {
			c.removeOp(op)
			i = 0
			continue
		}

		if idx := c.indexOf(op); idx >= 0 {
			i = idx + 1
		} else {
			i = 0
		}
	}
}

// removeOp deletes op from the waitlist by identity, wherever it
// currently sits. A no-op if op is no longer present.
func (c *Coordinator) removeOp(op *waitOp) {
	if idx := c.indexOf(op); idx >= 0 {
		c.waitlist = append(c.waitlist[:idx], c.waitlist[idx+1:]...)
	}
}

// indexOf returns op's current position in the waitlist, or -1 if a
// nested replay has already removed it.
func (c *Coordinator) indexOf(op *waitOp) int {
	for i, candidate := range c.waitlist {
		if candidate == op {
			return i
		}
	}
	return -1
}

// Dump returns every site's resident variables and a digest over the
// whole result.
func (c *Coordinator) Dump() DumpResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int]map[string]site.DumpEntry, NumSites)
	for id := 1; id <= NumSites; id++ {
		out[id] = c.sites[id].Dump()
	}
	return DumpResult{Sites: out, Fingerprint: fingerprint.Dump(out)}
}

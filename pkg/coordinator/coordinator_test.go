package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallydb/tallydb/pkg/clock"
)

// harness ticks the coordinator's clock once per call, mirroring the
// driver's contract that every external command advances the clock
// exactly once before dispatch.
type harness struct {
	*Coordinator
}

func newHarness() *harness {
	return &harness{New(clock.New())}
}

func (h *harness) begin(id string) Result {
	h.clock.Tick()
	return h.Begin(id)
}

func (h *harness) beginRO(id string) Result {
	h.clock.Tick()
	return h.BeginRO(id)
}

func (h *harness) read(txnID, varID string) Result {
	h.clock.Tick()
	return h.Read(txnID, varID)
}

func (h *harness) write(txnID, varID string, value int64) Result {
	h.clock.Tick()
	return h.Write(txnID, varID, value)
}

func (h *harness) end(txnID string) Result {
	h.clock.Tick()
	return h.End(txnID)
}

func (h *harness) fail(siteID int) Result {
	h.clock.Tick()
	return h.Fail(siteID)
}

func (h *harness) recover(siteID int) Result {
	h.clock.Tick()
	return h.Recover(siteID)
}

// Scenario 1: basic commit visibility (spec §8.1).
func TestBasicCommitVisibility(t *testing.T) {
	h := newHarness()

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.write("T1", "x1", 101).Status)
	require.Equal(t, StatusEnded, h.end("T1").Status)

	dump := h.Dump()
	assert.Equal(t, int64(101), dump.Sites[2]["x1"].Value)
	assert.Equal(t, "T1", dump.Sites[2]["x1"].Writer)

	for sid := 1; sid <= NumSites; sid++ {
		if sid == 2 {
			continue
		}
		_, ok := dump.Sites[sid]["x1"]
		assert.False(t, ok, "x1 should not be resident on site %d", sid)
	}
}

// Scenario 2: replicated write visible everywhere (spec §8.2).
func TestReplicatedWriteVisibleEverywhere(t *testing.T) {
	h := newHarness()

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.write("T1", "x2", 202).Status)
	require.Equal(t, StatusEnded, h.end("T1").Status)

	dump := h.Dump()
	for sid := 1; sid <= NumSites; sid++ {
		entry := dump.Sites[sid]["x2"]
		assert.Equal(t, int64(202), entry.Value, "site %d", sid)
		assert.Equal(t, "T1", entry.Writer, "site %d", sid)
	}
}

// Scenario 3: deadlock abort of the younger transaction (spec §8.3).
func TestDeadlockAbortsYounger(t *testing.T) {
	h := newHarness()

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.begin("T2").Status)

	require.Equal(t, StatusSuccess, h.read("T1", "x2").Status)
	require.Equal(t, StatusSuccess, h.read("T2", "x4").Status)

	// T1 waits for T2 (T2 holds a read lock on x4).
	w1 := h.write("T1", "x4", 1)
	require.Equal(t, StatusWaitlisted, w1.Status)

	// T2 -> T1 closes the cycle; T2 is younger (later start timestamp).
	w2 := h.write("T2", "x2", 2)
	require.Equal(t, StatusDeadlockAbort, w2.Status)

	t2, err := h.registry.Get("T2")
	require.NoError(t, err)
	assert.True(t, t2.IsAborted())

	// Replay should have promoted T1's write once T2 released x2.
	t1, err := h.registry.Get("T1")
	require.NoError(t, err)
	assert.False(t, t1.IsWaiting())
}

// Scenario 4: read-only snapshot isolation (spec §8.4).
func TestReadOnlySnapshotIsolation(t *testing.T) {
	h := newHarness()

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.write("T1", "x3", 77).Status)
	require.Equal(t, StatusEnded, h.end("T1").Status)

	require.Equal(t, StatusSuccess, h.beginRO("T2").Status)

	require.Equal(t, StatusSuccess, h.begin("T3").Status)
	require.Equal(t, StatusSuccess, h.write("T3", "x3", 88).Status)
	require.Equal(t, StatusEnded, h.end("T3").Status)

	res := h.read("T2", "x3")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(77), res.Value)
}

// Scenario 5: site failure aborts a toucher (spec §8.5).
func TestSiteFailureAbortsToucher(t *testing.T) {
	h := newHarness()

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.write("T1", "x6", 600).Status)

	failRes := h.fail(3)
	require.Equal(t, StatusSuccess, failRes.Status)

	t1, err := h.registry.Get("T1")
	require.NoError(t, err)
	assert.True(t, t1.IsAborted())

	endRes := h.end("T1")
	assert.Equal(t, StatusAlreadyAborted, endRes.Status)

	dump := h.Dump()
	for sid := 1; sid <= NumSites; sid++ {
		if !h.sites[sid].IsUp() {
			continue
		}
		assert.Equal(t, int64(60), dump.Sites[sid]["x6"].Value, "x6 should remain default on site %d", sid)
	}
}

// Scenario 6: recovery drains the waitlist (spec §8.6).
func TestRecoveryDrainsWaitlist(t *testing.T) {
	h := newHarness()

	for sid := 1; sid <= NumSites; sid++ {
		h.fail(sid)
	}

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	res := h.read("T1", "x8")
	require.Equal(t, StatusWaitlisted, res.Status)

	h.recover(4)

	t1, err := h.registry.Get("T1")
	require.NoError(t, err)
	// x8 is replicated and just recovered with no post-recovery commit,
	// so the read stays waitlisted rather than completing.
	assert.True(t, t1.IsWaiting())

	require.Equal(t, StatusSuccess, h.begin("T2").Status)
	require.Equal(t, StatusSuccess, h.write("T2", "x8", 808).Status)
	require.Equal(t, StatusEnded, h.end("T2").Status)

	assert.False(t, t1.IsWaiting())
}

func TestDumpIsIdempotent(t *testing.T) {
	h := newHarness()
	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.write("T1", "x1", 5).Status)
	require.Equal(t, StatusEnded, h.end("T1").Status)

	d1 := h.Dump()
	d2 := h.Dump()
	assert.Equal(t, d1.Fingerprint, d2.Fingerprint)
}

func TestUnknownTransactionIsReported(t *testing.T) {
	h := newHarness()
	res := h.read("ghost", "x1")
	assert.Equal(t, StatusUnknownTransaction, res.Status)
}

func TestUnknownSiteIsReported(t *testing.T) {
	h := newHarness()
	res := h.fail(99)
	assert.Equal(t, StatusUnknownSite, res.Status)
}

// TestUpgradeScanChecksEveryEarlierConflict reproduces a deadlock between
// two transactions other than the one running the upgrade-conflict scan.
// T1 holds a read lock on x2 and has two earlier, unrelated ops already
// queued on x2: T2's (no cycle once graphed against T1) and T4's (T4
// already waits-for T1 from some prior conflict, so graphing it against
// T1 closes a cycle). T1's own write must still reach T4's entry after
// T2's resolves as a plain waitlist, or the T1<->T4 cycle is never found
// and both stay parked forever. Aborting T4 replays the waitlist: T2's
// queued write now conflicts with T1's read lock, and together with the
// T1->T2 edge left by the scan that closes a second cycle, in which T2 is
// the younger transaction. T1 is never a victim, so its write then goes
// ahead and succeeds.
func TestUpgradeScanChecksEveryEarlierConflict(t *testing.T) {
	h := newHarness()

	require.Equal(t, StatusSuccess, h.begin("T1").Status)
	require.Equal(t, StatusSuccess, h.begin("T2").Status)
	require.Equal(t, StatusSuccess, h.begin("T4").Status)

	require.Equal(t, StatusSuccess, h.read("T1", "x2").Status)

	t2, err := h.registry.Get("T2")
	require.NoError(t, err)
	t2.Wait()
	h.waitlist = append(h.waitlist, &waitOp{kind: opWrite, txnID: "T2", varID: "x2", value: 10})

	t4, err := h.registry.Get("T4")
	require.NoError(t, err)
	h.graph.AddEdge("T4", "T1")
	t4.Wait()
	h.waitlist = append(h.waitlist, &waitOp{kind: opWrite, txnID: "T4", varID: "x2", value: 20})

	res := h.write("T1", "x2", 555)
	require.Equal(t, StatusSuccess, res.Status)
	assert.True(t, t4.IsAborted(), "T4 is younger than T1 and should be the victim")
	assert.True(t, t2.IsAborted(), "T2 closes a cycle with T1 on replay and is the younger of the two")
}

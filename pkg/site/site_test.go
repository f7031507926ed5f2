package site

import (
	"testing"

	"github.com/tallydb/tallydb/pkg/txn"
)

func TestNewPlacementEvenEverywhere(t *testing.T) {
	for id := 1; id <= 10; id++ {
		s := New(id)
		if _, ok := s.vars["x2"]; !ok {
			t.Fatalf("expected x2 resident on site %d", id)
		}
	}
}

func TestNewPlacementOddSingleHome(t *testing.T) {
	// x7: home site is 1 + (7 % 10) = 8.
	count := 0
	for id := 1; id <= 10; id++ {
		s := New(id)
		if _, ok := s.vars["x7"]; ok {
			count++
			if id != 8 {
				t.Fatalf("expected x7 only on site 8, found on site %d", id)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected x7 on exactly 1 site, found on %d", count)
	}
}

func TestReadWriteDefaultValue(t *testing.T) {
	s := New(2)
	reg := txn.NewRegistry()
	tx := reg.Begin("T1", 0)

	res := s.Read(tx, "x2")
	if res.Status != ReadSuccess || res.Value != 20 {
		t.Fatalf("expected default value 20, got %+v", res)
	}
}

func TestReadNotResident(t *testing.T) {
	s := New(1) // x7's home is site 8, not site 1
	reg := txn.NewRegistry()
	tx := reg.Begin("T1", 0)

	res := s.Read(tx, "x7")
	if res.Status != ReadNotResident {
		t.Fatalf("expected not-resident, got %+v", res)
	}
}

func TestWriteThenCommitThenRead(t *testing.T) {
	s := New(2)
	reg := txn.NewRegistry()
	tx := reg.Begin("T1", 0)

	wr := s.Write(tx, "x2", 202)
	if wr.Status != WriteSuccess {
		t.Fatalf("expected write success, got %+v", wr)
	}

	s.Commit(tx, 5)

	reader := reg.Begin("T2", 10)
	res := s.Read(reader, "x2")
	if res.Status != ReadSuccess || res.Value != 202 || res.Writer != "T1" {
		t.Fatalf("expected committed (T1, 202), got %+v", res)
	}
}

func TestWriteConflictBetweenTwoWriters(t *testing.T) {
	s := New(2)
	reg := txn.NewRegistry()
	t1 := reg.Begin("T1", 0)
	t2 := reg.Begin("T2", 1)

	s.Write(t1, "x2", 1)
	res := s.Write(t2, "x2", 2)
	if res.Status != WriteConflict || res.Conflict.Holder != "T1" {
		t.Fatalf("expected conflict against T1, got %+v", res)
	}
}

func TestAbortDiscardsPendingWrite(t *testing.T) {
	s := New(2)
	reg := txn.NewRegistry()
	t1 := reg.Begin("T1", 0)

	s.Write(t1, "x2", 999)
	s.Abort(t1)

	t2 := reg.Begin("T2", 1)
	res := s.Read(t2, "x2")
	if res.Value != 20 {
		t.Fatalf("expected aborted write to leave committed default (20), got %+v", res)
	}
}

func TestFailResetsLocksAndBringsDown(t *testing.T) {
	s := New(2)
	reg := txn.NewRegistry()
	t1 := reg.Begin("T1", 0)
	s.Write(t1, "x2", 1)

	s.Fail()
	if s.IsUp() {
		t.Fatal("expected site to be down after Fail")
	}
	if s.locks.HasWriteLock("T1", "x2") {
		t.Fatal("expected Fail to reset the lock table")
	}
}

func TestRecoverMarksReplicatedVariableRecovering(t *testing.T) {
	s := New(2)
	s.Fail()
	s.Recover()

	if !s.IsUp() {
		t.Fatal("expected site to be up after Recover")
	}

	reg := txn.NewRegistry()
	tx := reg.Begin("T1", 0)
	res := s.Read(tx, "x2")
	if res.Status != ReadNoValue {
		t.Fatalf("expected recovering replica to yield no value, got %+v", res)
	}
}

func TestRecoverDoesNotInvalidateUnreplicatedVariable(t *testing.T) {
	s := New(8) // x7's home
	s.Fail()
	s.Recover()

	reg := txn.NewRegistry()
	tx := reg.Begin("T1", 0)
	res := s.Read(tx, "x7")
	if res.Status != ReadSuccess || res.Value != 70 {
		t.Fatalf("expected unreplicated variable to remain readable, got %+v", res)
	}
}

func TestDumpReturnsLastCommitted(t *testing.T) {
	s := New(2)
	dump := s.Dump()
	entry, ok := dump["x2"]
	if !ok || entry.Value != 20 || entry.Writer != "default" {
		t.Fatalf("expected default dump entry, got %+v", entry)
	}
}

package state

import "testing"

func TestNewSnapshotAllEdgesWaiting(t *testing.T) {
	snap := New("flow-1", 3)
	if snap.FlowID != "flow-1" {
		t.Fatalf("expected flow id to stick")
	}
	for i := 0; i < 3; i++ {
		if !snap.WaitingEdges.IsSet(i) {
			t.Fatalf("edge %d should start waiting", i)
		}
	}
}

func TestNextCounterIsMonotonic(t *testing.T) {
	snap := New("flow-1", 0)
	if c := snap.NextCounter(); c != 1 {
		t.Fatalf("expected first counter value 1, got %d", c)
	}
	if c := snap.NextCounter(); c != 2 {
		t.Fatalf("expected second counter value 2, got %d", c)
	}
}

func TestCloneDoesNotAliasMutableState(t *testing.T) {
	orig := New("flow-1", 2)
	orig.AppendFinished("a", "id-1")
	orig.Selective = &Selective{TaskNames: []string{"a"}}

	cp := orig.Clone()
	cp.AppendFinished("a", "id-2")
	cp.WaitingEdges.Clear(0)
	cp.Selective.TaskNames = append(cp.Selective.TaskNames, "b")

	if len(orig.FinishedNodes["a"]) != 1 {
		t.Fatalf("mutating clone's FinishedNodes leaked into original")
	}
	if !orig.WaitingEdges.IsSet(0) {
		t.Fatalf("mutating clone's WaitingEdges leaked into original")
	}
	if len(orig.Selective.TaskNames) != 1 {
		t.Fatalf("mutating clone's Selective leaked into original")
	}
}

func TestCloneCopiesStartCounter(t *testing.T) {
	orig := New("flow-1", 0)
	orig.NextCounter()
	orig.NextCounter()
	cp := orig.Clone()
	if cp.StartCounter != 2 {
		t.Fatalf("expected cloned StartCounter 2, got %d", cp.StartCounter)
	}
	cp.NextCounter()
	if orig.StartCounter != 2 {
		t.Fatalf("clone's counter advance leaked into original")
	}
}

func TestIsFinishedAndIsFailed(t *testing.T) {
	snap := New("flow-1", 0)
	if snap.IsFinished("a") || snap.IsFailed("a") {
		t.Fatalf("fresh snapshot should have no finished/failed nodes")
	}
	snap.AppendFinished("a", "id-1")
	snap.AppendFailed("b", "id-2")
	if !snap.IsFinished("a") {
		t.Fatalf("expected a finished")
	}
	if !snap.IsFailed("b") {
		t.Fatalf("expected b failed")
	}
}

func TestRemoveActive(t *testing.T) {
	snap := New("flow-1", 0)
	snap.ActiveNodes = []ActiveNode{{Name: "a", ID: "1"}, {Name: "b", ID: "2"}}
	n, ok := snap.RemoveActive("1")
	if !ok || n.Name != "a" {
		t.Fatalf("expected to remove node a, got %+v ok=%v", n, ok)
	}
	if len(snap.ActiveNodes) != 1 || snap.ActiveNodes[0].ID != "2" {
		t.Fatalf("unexpected remaining active nodes: %+v", snap.ActiveNodes)
	}
	if _, ok := snap.RemoveActive("missing"); ok {
		t.Fatalf("expected false for unknown id")
	}
}

func TestSelectiveContainsNilMeansUnrestricted(t *testing.T) {
	var sel *Selective
	if !sel.Contains("anything") {
		t.Fatalf("nil selective should allow everything")
	}
	sel = &Selective{TaskNames: []string{"a"}}
	if !sel.Contains("a") || sel.Contains("b") {
		t.Fatalf("selective should restrict to named tasks")
	}
}

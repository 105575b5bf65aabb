package proc

import (
	"errors"
	"testing"
)

func TestTable_AllocAssignsIncreasingPIDs(t *testing.T) {
	table := NewTable(2)
	a, err := table.Alloc("a")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := table.Alloc("b")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.PID != 1 || b.PID != 2 {
		t.Fatalf("pids = %d, %d, want 1, 2", a.PID, b.PID)
	}
	if a.State != Embryo || a.Level != LevelNone {
		t.Fatalf("fresh entity is %s at %s", a.State, a.Level)
	}

	if _, err := table.Alloc("c"); !errors.Is(err, ErrTableFull) {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}

	table.Free(a)
	c, err := table.Alloc("c")
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if c.PID != 3 || c.Slot() != 0 {
		t.Fatalf("reused slot got pid %d slot %d, want pid 3 slot 0", c.PID, c.Slot())
	}
}

func TestTable_LookupSkipsUnused(t *testing.T) {
	table := NewTable(4)
	a, _ := table.Alloc("a")
	if got, ok := table.Lookup(a.PID); !ok || got != a {
		t.Fatalf("Lookup(%d) failed", a.PID)
	}
	table.Free(a)
	if _, ok := table.Lookup(1); ok {
		t.Fatalf("freed pid still found")
	}
	if _, ok := table.Lookup(0); ok {
		t.Fatalf("pid 0 must never match")
	}
}

func TestTable_Sleepers(t *testing.T) {
	table := NewTable(4)
	a, _ := table.Alloc("a")
	b, _ := table.Alloc("b")
	c, _ := table.Alloc("c")
	a.State, a.Chan = Sleeping, "disk"
	b.State, b.Chan = Sleeping, "tty"
	c.State, c.Chan = Sleeping, "disk"

	got := table.Sleepers("disk")
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("unexpected sleepers: %+v", got)
	}
}

func TestEntity_Live(t *testing.T) {
	for _, tc := range []struct {
		state State
		live  bool
	}{
		{Unused, false}, {Embryo, false}, {Sleeping, true},
		{Runnable, true}, {Running, true}, {Zombie, false},
	} {
		e := Entity{State: tc.state}
		if e.Live() != tc.live {
			t.Errorf("%s: Live() = %v, want %v", tc.state, e.Live(), tc.live)
		}
	}
}

func TestLevel_String(t *testing.T) {
	if L2.String() != "L2" || LevelNone.String() != "none" {
		t.Fatalf("unexpected level names %q %q", L2, LevelNone)
	}
	if Level(7).Valid() {
		t.Fatalf("level 7 must be invalid")
	}
}

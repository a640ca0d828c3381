package frame

import (
	"testing"

	"kcore/errs"
	"kcore/hwpt"
)

// recordingEvictor stands in for a real *spt.Table: it records the
// (pd, upage) it was asked to evict, and clears the hardware mapping
// exactly as a real Evict must.
type recordingEvictor struct {
	pt      *hwpt.Sim
	evicted []uintptr
}

func (e *recordingEvictor) Evict(pd, upage uintptr) errs.Err_t {
	e.pt.Clear(pd, upage)
	e.evicted = append(e.evicted, upage)
	return 0
}

func bindNew(t *testing.T, tbl *Table, pt *hwpt.Sim, owner Evictor, pd, upage uintptr) uintptr {
	t.Helper()
	kaddr, err := tbl.Alloc()
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	tbl.Bind(kaddr, pd, upage, owner)
	pt.Map(pd, upage, kaddr, true)
	tbl.Unpin(kaddr)
	return kaddr
}

func TestAllocBindUnpinFree(t *testing.T) {
	pt := hwpt.NewSim()
	tbl := New(4, pt)
	ev := &recordingEvictor{pt: pt}

	kaddr := bindNew(t, tbl, pt, ev, 1, 0x1000)
	st := tbl.Stats()
	if st.Used != 1 || st.Pinned != 0 {
		t.Fatalf("unexpected stats after bind+unpin: %+v", st)
	}
	tbl.Free(kaddr)
	st = tbl.Stats()
	if st.Used != 0 {
		t.Fatalf("expected 0 used after Free, got %d", st.Used)
	}
	c := tbl.Counters()
	if c.Allocs != 1 || c.Frees != 1 {
		t.Fatalf("unexpected counters after alloc+free: %+v", c)
	}
}

func TestFreshFrameStaysUntilUnpinned(t *testing.T) {
	pt := hwpt.NewSim()
	tbl := New(1, pt)
	kaddr, err := tbl.Alloc()
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	ev := &recordingEvictor{pt: pt}
	tbl.Bind(kaddr, 1, 0x3000, ev)
	pt.Map(1, 0x3000, kaddr, true)
	pt.Touch(1, 0x3000, false) // simulate a reference before unpin

	// pool is exhausted (size 1) and the only frame is still pinned:
	// a second Alloc must fail to find a victim.
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic: no evictable frame while the sole frame is pinned")
		}
	}()
	tbl.Alloc()
}

func TestClockSkipsAccessedBeforeEviction(t *testing.T) {
	pt := hwpt.NewSim()
	tbl := New(2, pt)
	ev := &recordingEvictor{pt: pt}

	bindNew(t, tbl, pt, ev, 1, 0x1000)
	bindNew(t, tbl, pt, ev, 1, 0x2000)

	// touch the first page so its accessed bit is set; the clock
	// must spare it on the first pass and evict the untouched one.
	pt.Touch(1, 0x1000, false)

	if _, err := tbl.Alloc(); err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	if len(ev.evicted) != 1 || ev.evicted[0] != 0x2000 {
		t.Fatalf("expected 0x2000 evicted first, got %#v", ev.evicted)
	}
}

// TestEvictionAdvancesHandPastVictim exercises the clock rule that the
// hand must step one extra slot past a chosen victim so the next
// Alloc doesn't immediately re-pick it. This test lives in package
// frame (not frame_test) so it can read the unexported hand field
// directly rather than infer it indirectly.
func TestEvictionAdvancesHandPastVictim(t *testing.T) {
	pt := hwpt.NewSim()
	tbl := New(3, pt)
	ev := &recordingEvictor{pt: pt}

	// frames 0 and 2 are pinned (ineligible); frame 1, at the hand's
	// starting position plus one, is the only evictable candidate.
	k0, err := tbl.Alloc()
	if err != 0 {
		t.Fatalf("Alloc 0: %v", err)
	}
	tbl.Bind(k0, 1, 0x1000, ev)
	pt.Map(1, 0x1000, k0, true)

	bindNew(t, tbl, pt, ev, 1, 0x2000) // frame 1: bound and unpinned

	k2, err := tbl.Alloc()
	if err != 0 {
		t.Fatalf("Alloc 2: %v", err)
	}
	tbl.Bind(k2, 1, 0x3000, ev)
	pt.Map(1, 0x3000, k2, true)

	kaddr, err := tbl.Alloc()
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	gotIdx := tbl.idxOf(kaddr)
	if gotIdx != 1 {
		t.Fatalf("expected frame 1 (the only unpinned frame) evicted, got %d", gotIdx)
	}
	// the clock advances once moving past frame 1 during the sweep,
	// then once more as the "extra step" past the victim: hand should
	// now sit at (1+2) mod 3 = 0.
	if tbl.hand != 0 {
		t.Fatalf("hand = %d, want 0 (victim idx %d)", tbl.hand, gotIdx)
	}
}

package ndp

import (
	"net/netip"
	"testing"
	"time"
)

func TestTable(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::10")
	now := time.Now()
	tbl := NewTable()
	tbl.now = func() time.Time { return now }

	t.Run("refresh creates then updates", func(t *testing.T) {
		if !tbl.Refresh(addr, 3, false) {
			t.Fatal("first sighting not reported as new")
		}
		if tbl.Refresh(addr, 3, false) {
			t.Fatal("second sighting reported as new")
		}
		if tbl.Len() != 1 {
			t.Fatalf("len = %d, want 1", tbl.Len())
		}
	})

	t.Run("one entry per address and interface", func(t *testing.T) {
		if !tbl.Refresh(addr, 4, false) {
			t.Fatal("same address on another interface should be a new entry")
		}
		if tbl.Len() != 2 {
			t.Fatalf("len = %d, want 2", tbl.Len())
		}
	})

	t.Run("lookup elsewhere excludes the asking link", func(t *testing.T) {
		tbl2 := NewTable()
		tbl2.now = func() time.Time { return now }
		tbl2.Refresh(addr, 3, false)

		if n := tbl2.LookupElsewhere(addr, 3); n != nil {
			t.Fatal("entry on the asking link returned")
		}
		n := tbl2.LookupElsewhere(addr, 7)
		if n == nil || n.Ifindex != 3 {
			t.Fatal("entry on another link not found")
		}
	})

	t.Run("expire ages and evicts", func(t *testing.T) {
		tbl3 := NewTable()
		clock := now
		tbl3.now = func() time.Time { return clock }
		tbl3.Refresh(addr, 3, false)

		clock = now.Add(staleAfter + time.Second)
		if evicted := tbl3.Expire(staleAfter, evictAfter); len(evicted) != 0 {
			t.Fatal("entry evicted too early")
		}
		if tbl3.Entries()[0].State != StateStale {
			t.Fatal("idle entry not marked stale")
		}

		clock = now.Add(evictAfter + time.Second)
		evicted := tbl3.Expire(staleAfter, evictAfter)
		if len(evicted) != 1 || tbl3.Len() != 0 {
			t.Fatalf("evicted %d entries, table len %d", len(evicted), tbl3.Len())
		}
	})
}

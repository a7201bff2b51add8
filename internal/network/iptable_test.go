package network

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIPTableCap(t *testing.T) {
	tbl := NewIPTable(2)
	ip := "10.1.1.1"
	for i := 0; i < 2; i++ {
		if !tbl.Check(ip) {
			t.Fatalf("Check rejected connection %d", i+1)
		}
		tbl.Insert(ip)
	}
	if tbl.Check(ip) {
		t.Error("Check admitted a third connection")
	}
	if !tbl.Check("10.1.1.2") {
		t.Error("cap applied to a different IP")
	}
	tbl.Remove(ip)
	if !tbl.Check(ip) {
		t.Error("Check rejected after Remove")
	}
}

func TestIPTableUnlimited(t *testing.T) {
	tbl := NewIPTable(0)
	for i := 0; i < 100; i++ {
		tbl.Insert("10.0.0.1")
	}
	if !tbl.Check("10.0.0.1") {
		t.Error("unlimited table rejected")
	}
}

func TestIPTableCountsMatchUnmatchedInserts(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ips := []string{"a", "b", "c", "d"}
	tbl := NewIPTable(0)
	want := map[string]int{}

	for i := 0; i < 5000; i++ {
		ip := ips[rng.Intn(len(ips))]
		if rng.Intn(2) == 0 {
			tbl.Insert(ip)
			want[ip]++
		} else {
			tbl.Remove(ip)
			if want[ip] > 0 {
				want[ip]--
			}
			if want[ip] == 0 {
				delete(want, ip)
			}
		}
	}

	got := map[string]int{}
	for _, ip := range ips {
		if n := tbl.Count(ip); n > 0 {
			got[ip] = n
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
	if tbl.Len() != len(want) {
		t.Errorf("Len = %d, want %d (zero entries must be absent)", tbl.Len(), len(want))
	}
}

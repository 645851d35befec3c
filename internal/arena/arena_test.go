package arena

import "testing"

func TestAddGetRoundTrip(t *testing.T) {
	a := New[string]()
	id0 := a.Add("zero")
	id1 := a.Add("one")

	if got := a.Get(id0); got != "zero" {
		t.Fatalf("Get(%d) = %q, want %q", id0, got, "zero")
	}
	if got := a.Get(id1); got != "one" {
		t.Fatalf("Get(%d) = %q, want %q", id1, got, "one")
	}
	if a.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", a.Len())
	}
}

func TestIDsNeverReused(t *testing.T) {
	a := New[int]()
	var ids []ID
	for i := 0; i < 10; i++ {
		ids = append(ids, a.Add(i))
	}
	for i, id := range ids {
		if int(id) != i {
			t.Fatalf("id %d reused or shifted, got %d", i, id)
		}
	}
}

func TestResetClears(t *testing.T) {
	a := New[int]()
	a.Add(1)
	a.Add(2)
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", a.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	type rec struct{ vals []int }
	a := New[rec]()
	id := a.Add(rec{vals: []int{1, 2, 3}})

	got := a.Get(id)
	got.vals[0] = 999 // mutating the returned slice header's backing array...

	// ...does mutate shared backing storage for slices (Go copy semantics
	// are shallow), but the struct/slice header itself returned by Get is
	// an independent copy: reassigning it does not affect the arena.
	got.vals = nil
	again := a.Get(id)
	if again.vals == nil {
		t.Fatal("Get returned a record aliasing the caller's reassignment")
	}
}

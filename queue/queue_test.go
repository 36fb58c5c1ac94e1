package queue

import "testing"

func TestSPSCPushPop(t *testing.T) {
	q := NewSPSC[int](4)
	if q.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", q.Cap())
	}
	for i := 0; i < 4; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed unexpectedly", i)
		}
	}
	if q.Push(99) {
		t.Fatalf("push into full ring should fail")
	}
	for i := 0; i < 4; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got (%v, %v)", i, v, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop from empty ring should fail")
	}
}

func TestSPSCReset(t *testing.T) {
	q := NewSPSC[int](2)
	q.Push(1)
	q.Push(2)
	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", q.Len())
	}
}

func TestMPSCFIFOOrder(t *testing.T) {
	q := NewMPSC[string]()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	var got []string
	q.DrainInto(func(s string) { got = append(got, s) })

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be drained")
	}
}

package event

import "testing"

func TestAdvanceFiresInOrder(t *testing.T) {
	l := New()
	var order []int

	l.Add("a", func(arg int) { order = append(order, arg) }, 10, 1)
	l.Add("a", func(arg int) { order = append(order, arg) }, 5, 2)
	l.Add("a", func(arg int) { order = append(order, arg) }, 15, 3)

	l.Advance(5)
	if len(order) != 1 || order[0] != 2 {
		t.Fatalf("expected event 2 first, got %v", order)
	}

	l.Advance(5)
	if len(order) != 2 || order[1] != 1 {
		t.Fatalf("expected event 1 second, got %v", order)
	}

	l.Advance(5)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("expected event 3 third, got %v", order)
	}

	if l.Any() {
		t.Fatalf("expected list to be empty")
	}
}

func TestAddZeroDelayRunsImmediately(t *testing.T) {
	l := New()
	ran := false
	l.Add("x", func(int) { ran = true }, 0, 0)
	if !ran {
		t.Fatalf("expected immediate callback to run")
	}
	if l.Any() {
		t.Fatalf("expected nothing queued for a zero-delay event")
	}
}

func TestCancelRemovesEventAndRestoresDelta(t *testing.T) {
	l := New()
	var fired []int
	cb1 := func(arg int) { fired = append(fired, arg) }

	l.Add("a", cb1, 10, 1)
	l.Add("a", cb1, 5, 2)

	l.Cancel("a", cb1, 2)
	l.Advance(10)

	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("expected only event 1 to fire, got %v", fired)
	}
}

// Package event implements a software event list: callbacks scheduled a
// number of CPU cycles in the future, consulted by the outer driver
// between instruction batches.
package event

import "reflect"

/*
   A doubly-linked list of events ordered by relative delta-time, so
   advancing the clock by N only has to decrement the head. The owner
   field is an opaque token, so any collaborator (timer, PIC, FPU
   stack-fault watchdog) can schedule and cancel its own callbacks
   without a hard dependency on a device interface.
*/

// Callback runs when a scheduled event's delay reaches zero.
type Callback func(arg int)

type node struct {
	delta int
	owner any
	cb    Callback
	arg   int
	prev  *node
	next  *node
}

// List is a delta-time ordered event queue.
type List struct {
	head *node
	tail *node
}

// New creates an empty event list.
func New() *List {
	return &List{}
}

// Add schedules cb to run after `cycles` more cycles of Advance. A delay
// of zero runs the callback immediately rather than queueing it.
func (l *List) Add(owner any, cb Callback, cycles, arg int) {
	if cycles <= 0 {
		cb(arg)
		return
	}

	ev := &node{owner: owner, cb: cb, delta: cycles, arg: arg}

	cur := l.head
	if cur == nil {
		l.head = ev
		l.tail = ev
		return
	}

	for cur != nil {
		if ev.delta <= cur.delta {
			cur.delta -= ev.delta
			ev.prev = cur.prev
			ev.next = cur
			cur.prev = ev
			if ev.prev != nil {
				ev.prev.next = ev
			} else {
				l.head = ev
			}
			return
		}
		ev.delta -= cur.delta
		cur = cur.next
	}

	ev.prev = l.tail
	l.tail.next = ev
	l.tail = ev
}

// Cancel removes the first event matching owner+cb+arg still pending.
func (l *List) Cancel(owner any, cb Callback, arg int) {
	cur := l.head
	for cur != nil {
		if cur.owner == owner && cur.arg == arg && sameFunc(cur.cb, cb) {
			if cur.next != nil {
				cur.next.delta += cur.delta
				cur.next.prev = cur.prev
			} else {
				l.tail = cur.prev
			}
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				l.head = cur.next
			}
			return
		}
		cur = cur.next
	}
}

// Any reports whether any event is pending.
func (l *List) Any() bool {
	return l.head != nil
}

// Advance moves the clock forward by `cycles`, firing every event whose
// delta reaches zero or below, in order.
func (l *List) Advance(cycles int) {
	for l.head != nil {
		head := l.head
		if head.delta > cycles {
			head.delta -= cycles
			return
		}
		cycles -= head.delta
		l.head = head.next
		if l.head != nil {
			l.head.prev = nil
		} else {
			l.tail = nil
		}
		head.cb(head.arg)
	}
}

// sameFunc compares callbacks by identity of their underlying code
// pointer, since Go forbids comparing func values directly.
func sameFunc(a, b Callback) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

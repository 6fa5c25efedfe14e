// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testArena struct {
	cells []listLinks
}

func newTestArena(size int) *testArena {
	arena := &testArena{cells: make([]listLinks, size)}
	for i := range arena.cells {
		arena.cells[i] = unlinked()
	}
	return arena
}

func (arena *testArena) links(handle Handle) *listLinks {
	return &arena.cells[handle]
}

func TestLinkedListOrder(t *testing.T) {
	arena := newTestArena(100)
	list := newLinkedList(arena.links)
	for i := 0; i < 100; i += 1 {
		list.addRear(Handle(i))
	}
	if err := list.validate(); err != nil {
		t.Fatalf("list is broken after inserts: %s", err)
	}
	for i := 0; i < 100; i += 1 {
		value, err := list.removeFront()
		if err != nil {
			t.Errorf("Test failed, error on remove received %s", err)
		}
		if value != Handle(i) {
			t.Errorf(
				"Test failed, order of handles in linked list is broken, %d != %d",
				value,
				i,
			)
		}
	}
	_, err := list.removeFront()
	if err == nil {
		t.Errorf("no error on remove from an empty list")
	}
	if list.head != InvalidHandle || list.tail != InvalidHandle {
		t.Errorf("expected an empty list, got head %d tail %d", list.head, list.tail)
	}
}

func TestLinkedListRemoveByHandle(t *testing.T) {
	arena := newTestArena(6)
	list := newLinkedList(arena.links)
	list.addRear(0)
	if err := list.removeByHandle(0); err != nil {
		t.Fatalf("Bad list element removal, error: %s", err)
	}
	for i := 1; i <= 5; i += 1 {
		list.addRear(Handle(i))
	}
	if err := list.removeByHandle(2); err != nil {
		t.Fatalf("Bad list element removal, error: %s", err)
	}
	if diff := cmp.Diff([]Handle{1, 3, 4, 5}, list.content()); diff != "" {
		t.Fatalf("Incorrect list content (-want +got):\n%s", diff)
	}
	if err := list.removeByHandle(5); err != nil {
		t.Fatalf("Bad list element removal, error: %s", err)
	}
	if diff := cmp.Diff([]Handle{1, 3, 4}, list.content()); diff != "" {
		t.Fatalf("Bad list tail element removal (-want +got):\n%s", diff)
	}
	if err := list.removeByHandle(1); err != nil {
		t.Fatalf("Bad list head removal, error: %s", err)
	}
	if list.head != 3 || arena.links(3).previous != InvalidHandle {
		t.Fatalf("head was not rewritten after removing the first cell")
	}
	if err := list.validate(); err != nil {
		t.Fatalf("list is broken after removals: %s", err)
	}
	if *arena.links(2) != unlinked() {
		t.Errorf("removed cell keeps stale links %+v", *arena.links(2))
	}
}

func TestLinkedListRejectsForeignHandle(t *testing.T) {
	arena := newTestArena(4)
	list := newLinkedList(arena.links)
	list.addRear(0)
	list.addRear(1)
	if err := list.removeByHandle(3); err == nil {
		t.Errorf("expected an error when removing a handle that isn't linked")
	}
	empty := newLinkedList(arena.links)
	if err := empty.removeByHandle(0); err == nil || err.Error() != "attempt to delete from an empty list" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLinkedListFind(t *testing.T) {
	arena := newTestArena(5)
	list := newLinkedList(arena.links)
	for i := 0; i < 5; i += 1 {
		list.addRear(Handle(i))
	}
	found := list.find(func(handle Handle) bool { return handle%2 == 1 })
	if found != 1 {
		t.Errorf("expected the first odd handle, got %d", found)
	}
	if list.find(func(Handle) bool { return false }) != InvalidHandle {
		t.Errorf("expected no match")
	}
}

func TestLinkedListValidateDetectsCycle(t *testing.T) {
	arena := newTestArena(3)
	list := newLinkedList(arena.links)
	for i := 0; i < 3; i += 1 {
		list.addRear(Handle(i))
	}
	arena.links(2).next = 0
	if err := list.validate(); err == nil {
		t.Errorf("cycle was not detected")
	}
	arena.links(2).next = InvalidHandle
	arena.links(1).previous = 2
	if err := list.validate(); err == nil {
		t.Errorf("broken back link was not detected")
	}
}

// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import "fmt"

// Handle addresses an object inside an arena (the task pool or the device
// directory). Handles stay valid for the arena lifetime.
type Handle int32

const InvalidHandle Handle = -1

type listLinks struct {
	next     Handle
	previous Handle
}

func unlinked() listLinks {
	return listLinks{next: InvalidHandle, previous: InvalidHandle}
}

// linkedList is an intrusive doubly linked list whose cells are arena objects.
// The links accessor selects which pair of links of the object the list owns,
// so one object may carry linkage for several independent lists.
type linkedList struct {
	head  Handle
	tail  Handle
	size  int
	links func(Handle) *listLinks
}

func newLinkedList(links func(Handle) *listLinks) linkedList {
	return linkedList{head: InvalidHandle, tail: InvalidHandle, size: 0, links: links}
}

func (list *linkedList) addRear(handle Handle) {
	cell := list.links(handle)
	cell.next = InvalidHandle
	cell.previous = list.tail
	if list.tail == InvalidHandle {
		list.head = handle
	} else {
		list.links(list.tail).next = handle
	}
	list.tail = handle
	list.size += 1
}

func (list *linkedList) removeFront() (Handle, error) {
	if list.size == 0 {
		return InvalidHandle, fmt.Errorf("can't remove from an empty list")
	}
	handle := list.head
	if err := list.removeByHandle(handle); err != nil {
		return InvalidHandle, err
	}
	return handle, nil
}

func (list *linkedList) removeByHandle(handle Handle) error {
	if list.size == 0 {
		return fmt.Errorf("attempt to delete from an empty list")
	}
	cell := list.links(handle)
	if cell.next == InvalidHandle && cell.previous == InvalidHandle {
		// head and tail are the same
		if list.size != 1 || list.head != handle {
			return fmt.Errorf(
				"broken list, handle %d is unlinked but list size is %d",
				handle,
				list.size,
			)
		}
	}
	if cell.previous != InvalidHandle {
		list.links(cell.previous).next = cell.next
	} else {
		list.head = cell.next
	}
	if cell.next != InvalidHandle {
		list.links(cell.next).previous = cell.previous
	} else {
		list.tail = cell.previous
	}
	*cell = unlinked()
	list.size -= 1
	return nil
}

// find returns the first handle in list order accepted by match.
func (list linkedList) find(match func(Handle) bool) Handle {
	for handle := list.head; handle != InvalidHandle; handle = list.links(handle).next {
		if match(handle) {
			return handle
		}
	}
	return InvalidHandle
}

func (list linkedList) content() []Handle {
	result := make([]Handle, 0, list.size)
	for handle := list.head; handle != InvalidHandle; handle = list.links(handle).next {
		result = append(result, handle)
	}
	return result
}

// validate walks the list in both directions and reports cycles, broken back
// links and size mismatches.
func (list linkedList) validate() error {
	count := 0
	previous := InvalidHandle
	for handle := list.head; handle != InvalidHandle; handle = list.links(handle).next {
		if count >= list.size {
			return fmt.Errorf("list walk exceeded size %d, cycle suspected", list.size)
		}
		if list.links(handle).previous != previous {
			return fmt.Errorf(
				"handle %d points back to %d, expected %d",
				handle,
				list.links(handle).previous,
				previous,
			)
		}
		previous = handle
		count += 1
	}
	if count != list.size {
		return fmt.Errorf("walked %d cells, list size is %d", count, list.size)
	}
	if previous != list.tail {
		return fmt.Errorf("last walked handle %d differs from tail %d", previous, list.tail)
	}
	return nil
}

// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"sync"
	"sync/atomic"
)

// DomainAllocator hands out SCSI domain identifiers to controllers.
type DomainAllocator struct {
	next atomic.Uint64
}

func NewDomainAllocator(first uint64) *DomainAllocator {
	allocator := &DomainAllocator{}
	allocator.next.Store(first)
	return allocator
}

func (allocator *DomainAllocator) Next() uint64 {
	return allocator.next.Add(1) - 1
}

// DefaultDomains is the process-wide allocator used when none is injected.
var DefaultDomains = sync.OnceValue(func() *DomainAllocator {
	return NewDomainAllocator(0)
})

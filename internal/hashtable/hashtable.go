// Package hashtable is a bucketed, lock-striped map used where a plain
// Go map under a single mutex would serialize every lookup across CPUs.
// Adapted from the teacher's hashtable package: its lock-free Get() over
// atomic bucket-head pointers is kept, but the generic interface{}
// key/value pair is narrowed to the one shape this kernel actually needs
// a concurrent map for (see internal/proc's thread registry), dropping
// the teacher's string/Ustr key variants this exercise never populates
// with those key types.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t struct {
	key   int32
	value interface{}
	next  *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

// Hashtable_t maps int32 keys (thread and process IDs) to values,
// protected by one RWMutex per bucket so readers on different buckets
// never contend.
type Hashtable_t struct {
	table    []*bucket_t
	capacity int
}

// MkHash allocates a new Hashtable_t with the given bucket count.
func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{capacity: size, table: make([]*bucket_t, size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

func (ht *Hashtable_t) bucketFor(key int32) *bucket_t {
	return ht.table[uint32(key)%uint32(ht.capacity)]
}

// Get looks up key without taking the bucket's lock, walking the chain
// via atomic loads so a concurrent Set on a different key in the same
// bucket never blocks this read.
func (ht *Hashtable_t) Get(key int32) (interface{}, bool) {
	b := ht.bucketFor(key)
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts or replaces key's value.
func (ht *Hashtable_t) Set(key int32, value interface{}) {
	b := ht.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			e.value = value
			return
		}
	}
	storeptr(&b.first, &elem_t{key: key, value: value, next: b.first})
}

// Del removes key if present; a no-op otherwise.
func (ht *Hashtable_t) Del(key int32) {
	b := ht.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
}

// Size returns the total element count across every bucket.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.RUnlock()
	}
	return n
}

func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t)(atomic.LoadPointer(ptr))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

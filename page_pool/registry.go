package page_pool

import (
	"sync"
)

// registryElem 注册表内的双向链表节点
type registryElem struct {
	bucket     *Bucket
	prev, next *registryElem
}

// Registry 进程级的桶注册表，驱动公平的轮转回收
//
// Buckets are kept in a doubly linked ring under a sleeping mutex.
// ReclaimOne always victimizes the bucket at the head and rotates it
// to the tail, so successive calls spread eviction over every live
// bucket regardless of caching class or order.
type Registry struct {
	mu   sync.Mutex
	root registryElem // sentinel node of the ring
	len  int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.root.prev = &r.root
	r.root.next = &r.root
	return r
}

// Join appends the bucket at the tail. O(1).
func (r *Registry) Join(b *Bucket) {
	elem := &registryElem{bucket: b}
	r.mu.Lock()
	at := r.root.prev
	elem.prev = at
	elem.next = &r.root
	at.next = elem
	r.root.prev = elem
	r.len++
	b.regElem = elem
	r.mu.Unlock()
}

// Leave unlinks the bucket. O(1). Safe to call on a bucket that has
// already left.
func (r *Registry) Leave(b *Bucket) {
	r.mu.Lock()
	elem := b.regElem
	if elem != nil {
		elem.prev.next = elem.next
		elem.next.prev = elem.prev
		elem.prev = nil
		elem.next = nil
		b.regElem = nil
		r.len--
	}
	r.mu.Unlock()
}

// Len returns the number of registered buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := r.len
	r.mu.Unlock()
	return n
}

// ReclaimOne frees one run from the bucket at the head of the ring and
// rotates that bucket to the tail. Returns the number of base pages
// freed, 0 when the registry is empty or the victim bucket had nothing
// to give.
//
// The registry lock spans head-peek and tail-move, so the victim
// cannot be torn down in between; the free callback then runs with the
// lock released so that concurrent Join/Leave keep making progress.
func (r *Registry) ReclaimOne() int {
	r.mu.Lock()
	head := r.root.next
	if head == &r.root {
		r.mu.Unlock()
		return 0
	}
	b := head.bucket
	// move to tail
	head.prev.next = head.next
	head.next.prev = head.prev
	at := r.root.prev
	head.prev = at
	head.next = &r.root
	at.next = head
	r.root.prev = head
	r.mu.Unlock()

	run := b.Remove()
	if run == nil {
		return 0
	}
	pages := run.NumPages()
	b.free(run)
	return pages
}

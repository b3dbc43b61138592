package page_pool

import (
	"testing"

	"github.com/smartystreets/assertions"
)

func so(t *testing.T, actual interface{}, assert func(interface{}, ...interface{}) string, expected ...interface{}) {
	t.Helper()
	if msg := assert(actual, expected...); msg != "" {
		t.Error(msg)
	}
}

func newTestRun(host *SimHost, order uint8, caching CachingClass) *Run {
	base, mem, err := host.AllocPages(order, AllocFlags{Zero: true})
	if err != nil {
		panic(err)
	}
	return &Run{
		base:    base,
		mem:     mem,
		order:   order,
		caching: caching,
		state:   runOwnedByCaller,
	}
}

func TestBucketAddRemove(t *testing.T) {
	host := NewSimHost()
	reg := NewRegistry()
	freed := 0
	b := NewBucket(reg, CachingWriteCombined, 2, ZoneNormal, func(r *Run) {
		freed++
		freeHostRun(host, r)
	})
	defer b.Destroy(reg)

	before := GlobalPages()

	r1 := newTestRun(host, 2, CachingWriteCombined)
	r2 := newTestRun(host, 2, CachingWriteCombined)
	b.Add(r1)
	b.Add(r2)

	so(t, b.Size(), assertions.ShouldEqual, 2)
	so(t, GlobalPages()-before, assertions.ShouldEqual, int64(8))

	// LIFO：后进的先出
	got := b.Remove()
	so(t, got == r2, assertions.ShouldBeTrue)
	so(t, got.state, assertions.ShouldEqual, runOwnedByCaller)

	got = b.Remove()
	so(t, got == r1, assertions.ShouldBeTrue)
	so(t, b.Remove(), assertions.ShouldBeNil)
	so(t, b.Size(), assertions.ShouldEqual, 0)
	so(t, GlobalPages()-before, assertions.ShouldEqual, int64(0))

	freeHostRun(host, r1)
	freeHostRun(host, r2)
	so(t, host.OutstandingRegions(), assertions.ShouldEqual, 0)
	so(t, freed, assertions.ShouldEqual, 0)
}

func TestBucketRoundTripSameRun(t *testing.T) {
	host := NewSimHost()
	reg := NewRegistry()
	b := NewBucket(reg, CachingUncached, 0, ZoneNormal, func(r *Run) { freeHostRun(host, r) })
	defer b.Destroy(reg)

	r := newTestRun(host, 0, CachingUncached)
	b.Add(r)
	so(t, r.state, assertions.ShouldEqual, runCleanInBucket)
	so(t, b.Remove() == r, assertions.ShouldBeTrue)

	freeHostRun(host, r)
}

func TestBucketDrain(t *testing.T) {
	host := NewSimHost()
	reg := NewRegistry()
	freed := 0
	b := NewBucket(reg, CachingWriteCombined, 1, ZoneNormal, func(r *Run) {
		freed++
		freeHostRun(host, r)
	})

	for i := 0; i < 5; i++ {
		b.Add(newTestRun(host, 1, CachingWriteCombined))
	}
	so(t, b.Size(), assertions.ShouldEqual, 5)
	so(t, reg.Len(), assertions.ShouldEqual, 1)

	b.Destroy(reg)

	so(t, freed, assertions.ShouldEqual, 5)
	so(t, b.Size(), assertions.ShouldEqual, 0)
	so(t, reg.Len(), assertions.ShouldEqual, 0)
	so(t, host.OutstandingRegions(), assertions.ShouldEqual, 0)
}

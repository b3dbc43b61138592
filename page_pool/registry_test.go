package page_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryJoinLeave(t *testing.T) {
	host := NewSimHost()
	reg := NewRegistry()
	free := func(r *Run) { freeHostRun(host, r) }

	a := NewBucket(reg, CachingWriteCombined, 0, ZoneNormal, free)
	b := NewBucket(reg, CachingUncached, 0, ZoneNormal, free)
	assert.Equal(t, 2, reg.Len())

	reg.Leave(a)
	assert.Equal(t, 1, reg.Len())

	// 重复离开是安全的
	reg.Leave(a)
	assert.Equal(t, 1, reg.Len())

	reg.Leave(b)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryReclaimEmpty(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 0, reg.ReclaimOne())

	host := NewSimHost()
	b := NewBucket(reg, CachingWriteCombined, 0, ZoneNormal, func(r *Run) { freeHostRun(host, r) })
	defer b.Destroy(reg)

	// 注册了桶但桶为空
	assert.Equal(t, 0, reg.ReclaimOne())
}

func TestRegistryRoundRobin(t *testing.T) {
	host := NewSimHost()
	reg := NewRegistry()

	freed := make(map[*Bucket]int)
	buckets := make([]*Bucket, 3)
	for i := range buckets {
		var b *Bucket
		b = NewBucket(reg, CachingWriteCombined, 0, ZoneNormal, func(r *Run) {
			freed[b]++
			freeHostRun(host, r)
		})
		buckets[i] = b
		for j := 0; j < 4; j++ {
			b.Add(newTestRun(host, 0, CachingWriteCombined))
		}
	}

	// 六次轮转回收应当均匀分布到三个桶
	for i := 0; i < 6; i++ {
		require.Equal(t, 1, reg.ReclaimOne())
	}
	for _, b := range buckets {
		assert.Equal(t, 2, freed[b], "each bucket should lose exactly two runs")
		assert.Equal(t, 2, b.Size())
	}

	for _, b := range buckets {
		b.Destroy(reg)
	}
	assert.Equal(t, 0, host.OutstandingRegions())
}

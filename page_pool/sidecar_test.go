package page_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSidecarInsertLookupRemove(t *testing.T) {
	s := newRunSidecar()

	runs := make([]*Run, 100)
	for i := range runs {
		runs[i] = &Run{base: PageID(i * 16), order: 4}
		s.insert(runs[i])
	}
	assert.Equal(t, 100, s.size())

	for i, r := range runs {
		assert.Same(t, r, s.lookup(PageID(i*16)))
	}

	// 非首页不命中
	assert.Nil(t, s.lookup(PageID(1)))

	for i := range runs {
		assert.NotNil(t, s.remove(PageID(i*16)))
	}
	assert.Equal(t, 0, s.size())
	assert.Nil(t, s.remove(PageID(0)), "removing twice yields nil")
}

func TestCachingStageBatches(t *testing.T) {
	setter := &SimAttributeSetter{}
	stage := newCachingStage(setter)

	runs := []*Run{
		{caching: CachingCached},
		{caching: CachingCached},
		{caching: CachingWriteCombined}, // already in target, no-op
		{caching: CachingCached},
	}
	for _, r := range runs {
		assert.NoError(t, stage.stage(r, CachingWriteCombined))
	}
	assert.NoError(t, stage.flush())

	assert.Equal(t, 1, setter.Batches, "one batch covers all transitions to the same class")
	assert.Equal(t, 3, setter.Runs)
	for _, r := range runs {
		assert.Equal(t, CachingWriteCombined, r.caching)
	}
}

func TestCachingStageFlushOnTargetChange(t *testing.T) {
	setter := &SimAttributeSetter{}
	stage := newCachingStage(setter)

	assert.NoError(t, stage.stage(&Run{caching: CachingCached}, CachingWriteCombined))
	assert.NoError(t, stage.stage(&Run{caching: CachingCached}, CachingUncached))
	assert.NoError(t, stage.flush())

	assert.Equal(t, 2, setter.Batches, "target change flushes the pending batch")
	assert.Equal(t, 2, setter.Runs)
}

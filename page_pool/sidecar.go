package page_pool

import (
	"sync"

	"github.com/zhukovaskychina/xpagepool/util"
)

const sidecarShards = 16

// runSidecar maps the first base page of a delivered run back to the
// run itself. Per-run metadata lives here while the caller owns the
// pages, so DrainIntoPool can rebuild runs from a flat page array
// without hiding pointers inside foreign structures.
//
// 分片降低populate/drain并发下的锁竞争
type runSidecar struct {
	shards [sidecarShards]sidecarShard
}

type sidecarShard struct {
	mu   sync.RWMutex
	runs map[PageID]*Run
}

func newRunSidecar() *runSidecar {
	s := &runSidecar{}
	for i := range s.shards {
		s.shards[i].runs = make(map[PageID]*Run)
	}
	return s
}

func (s *runSidecar) shardFor(id PageID) *sidecarShard {
	return &s.shards[util.HashUint64(uint64(id))%sidecarShards]
}

func (s *runSidecar) insert(r *Run) {
	shard := s.shardFor(r.base)
	shard.mu.Lock()
	shard.runs[r.base] = r
	shard.mu.Unlock()
}

func (s *runSidecar) lookup(id PageID) *Run {
	shard := s.shardFor(id)
	shard.mu.RLock()
	r := shard.runs[id]
	shard.mu.RUnlock()
	return r
}

// remove returns and forgets the run starting at id, nil when no run
// is registered there.
func (s *runSidecar) remove(id PageID) *Run {
	shard := s.shardFor(id)
	shard.mu.Lock()
	r := shard.runs[id]
	if r != nil {
		delete(shard.runs, id)
	}
	shard.mu.Unlock()
	return r
}

func (s *runSidecar) size() int {
	total := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		total += len(s.shards[i].runs)
		s.shards[i].mu.RUnlock()
	}
	return total
}

package page_pool

import (
	"github.com/juju/errors"
)

// AttributeSetter 环境提供的CPU缓存属性批量重编程原语
//
// Native reports whether the target actually reprograms attributes.
// On targets without the primitives every transition is a no-op and
// write-combined/uncached runs are never pooled globally.
type AttributeSetter interface {
	Native() bool
	SetRunsWC(runs []*Run) error
	SetRunsUC(runs []*Run) error
	SetRunsWB(runs []*Run) error
}

// NoopAttributeSetter 非x86目标上的空实现
type NoopAttributeSetter struct{}

func (NoopAttributeSetter) Native() bool { return false }

func (NoopAttributeSetter) SetRunsWC(runs []*Run) error { return nil }

func (NoopAttributeSetter) SetRunsUC(runs []*Run) error { return nil }

func (NoopAttributeSetter) SetRunsWB(runs []*Run) error { return nil }

// cachingStage batches runs that must transition to the same target
// class so one reprogramming call covers the whole batch. Transition
// of caching attributes invalidates TLBs across cores, batching keeps
// that off the per-run path.
type cachingStage struct {
	setter  AttributeSetter
	target  CachingClass
	pending []*Run
}

func newCachingStage(setter AttributeSetter) *cachingStage {
	return &cachingStage{setter: setter}
}

// stage queues a run for transition to target. Runs already in the
// target class are no-ops. A change of target flushes the batch
// collected so far.
func (s *cachingStage) stage(r *Run, target CachingClass) error {
	if r.caching == target {
		return nil
	}
	if len(s.pending) > 0 && s.target != target {
		if err := s.flush(); err != nil {
			return errors.Trace(err)
		}
	}
	s.target = target
	s.pending = append(s.pending, r)
	return nil
}

// flush applies the queued transition and updates each run's recorded
// class.
func (s *cachingStage) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	var err error
	switch s.target {
	case CachingWriteCombined:
		err = s.setter.SetRunsWC(s.pending)
	case CachingUncached:
		err = s.setter.SetRunsUC(s.pending)
	case CachingCached:
		err = s.setter.SetRunsWB(s.pending)
	}
	if err != nil {
		s.pending = s.pending[:0]
		return errors.Annotatef(err, "set caching %s", s.target)
	}
	for _, r := range s.pending {
		r.caching = s.target
	}
	s.pending = s.pending[:0]
	return nil
}

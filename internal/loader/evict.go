package loader

import (
	"time"

	"enhanced/internal/apperr"
)

// evictUntilFits evicts LRU idle instances until requiredMB fits budget +
// margin. It reports false when pinned instances alone exceed the budget.
// Callers hold writeMu.
func (l *Loader) evictUntilFits(requiredMB int) bool {
	if l.budgetMB <= 0 {
		return true
	}
	for {
		l.mu.Lock()
		if l.usedMB+requiredMB+l.marginMB <= l.budgetMB {
			l.mu.Unlock()
			return true
		}
		k, lru := l.lruIdleLocked()
		if lru == nil {
			l.mu.Unlock()
			return false
		}
		l.removeLocked(k, lru)
		l.mu.Unlock()
		l.closeEvicted(lru, "budget")
	}
}

// evictIdle evicts every unpinned instance and returns how many went.
// Callers hold writeMu.
func (l *Loader) evictIdle() int {
	var victims []*Instance
	l.mu.Lock()
	for k, inst := range l.instances {
		if inst.refs == 0 {
			l.removeLocked(k, inst)
			victims = append(victims, inst)
		}
	}
	l.mu.Unlock()
	for _, inst := range victims {
		l.closeEvicted(inst, "pressure")
	}
	return len(victims)
}

// EvictIdle is the eviction pass run before retrying after an out-of-memory failure.
func (l *Loader) EvictIdle() int {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.evictIdle()
}

// Evict releases every instance of model id. Evicting a model that is not
// loaded is a no-op; evicting one pinned by a running stage fails with InUse.
func (l *Loader) Evict(id string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	var victims []*Instance
	l.mu.Lock()
	for k, inst := range l.instances {
		if k.id != id {
			continue
		}
		if inst.refs > 0 {
			l.mu.Unlock()
			return apperr.InUse("loader.evict", id, "instance on %s is running", k.backend)
		}
	}
	for k, inst := range l.instances {
		if k.id == id {
			l.removeLocked(k, inst)
			victims = append(victims, inst)
		}
	}
	l.mu.Unlock()
	for _, inst := range victims {
		l.closeEvicted(inst, "explicit")
	}
	return nil
}

func (l *Loader) lruIdleLocked() (key, *Instance) {
	var (
		lk  key
		lru *Instance
	)
	for k, inst := range l.instances {
		if inst.refs > 0 {
			continue
		}
		if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
			lk, lru = k, inst
		}
	}
	return lk, lru
}

func (l *Loader) removeLocked(k key, inst *Instance) {
	delete(l.instances, k)
	l.usedMB -= inst.EstMB
	l.evictions++
	l.recordLocked(inst)
}

func (l *Loader) closeEvicted(inst *Instance, reason string) {
	start := time.Now()
	if err := inst.Model.Close(); err != nil {
		l.log.Warn().Str("model", inst.ModelID).Err(err).Msg("close evicted instance")
	}
	evictionsTotal.Inc()
	l.mu.RLock()
	usedMBGauge.Set(float64(l.usedMB))
	l.mu.RUnlock()
	l.log.Info().Str("model", inst.ModelID).Str("backend", string(inst.Backend)).Str("reason", reason).Msg("model evicted")
	l.publisher.Publish(Event{Name: "evict", ModelID: inst.ModelID, Fields: map[string]any{
		"backend": string(inst.Backend), "reason": reason, "dur_ms": time.Since(start).Milliseconds(),
	}})
	l.saveLRUMetadata()
}

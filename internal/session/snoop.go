package session

import (
	"github.com/pkg/errors"

	"github.com/halcyonmud/halcyon/internal/lang"
)

var (
	ErrSnoopDenied = errors.New("snoop: not authorized")
	ErrSnoopLoop   = errors.New("snoop: would close a cycle")
	ErrSnoopGone   = errors.New("snoop: target is going away")
	ErrNotSnooping = errors.New("snoop: no such relation")
)

// SetSnoop starts watcherOwner snooping on target. watcher is the
// watcher's own session when it has one, nil for a watcher without a
// connection. Each side holds at most one relation; older ones are
// cleared first.
func (t *Table) SetSnoop(watcherOwner lang.Value, watcher *Session, target *Session) error {
	if target == nil || target.closing {
		return ErrSnoopGone
	}
	if !t.cfg.Interp.Authorize(lang.AuthSnoop, watcherOwner, target.owner) {
		return ErrSnoopDenied
	}
	if watcher != nil {
		// following the snoop chain from the target must not lead back
		for s := target; s != nil; s = t.At(s.snoopOn) {
			if s == watcher {
				return ErrSnoopLoop
			}
		}
	}
	if target.snoopBy != nil {
		t.clearWatcher(target)
	}
	if watcher != nil && watcher.snoopOn >= 0 {
		if old := t.slots[watcher.snoopOn]; old != nil && old.snoopBySlot == watcher.ref.Index {
			old.snoopBy = nil
			old.snoopBySlot = -1
		}
		watcher.snoopOn = -1
	}
	target.snoopBy = watcherOwner
	if watcher != nil {
		target.snoopBySlot = watcher.ref.Index
		watcher.snoopOn = target.ref.Index
	}
	return nil
}

// StopSnoop ends watcherOwner's snoop. With target nil the relation is
// found by scanning the table backwards, which covers watchers that are
// not sessions themselves.
func (t *Table) StopSnoop(watcherOwner lang.Value, target *Session) error {
	if target != nil {
		if target.snoopBy != watcherOwner {
			return ErrNotSnooping
		}
		t.clearWatcher(target)
		return nil
	}
	for i := t.maxUsed - 1; i >= 0; i-- {
		s := t.slots[i]
		if s != nil && s.snoopBy == watcherOwner {
			t.clearWatcher(s)
			return nil
		}
	}
	return ErrNotSnooping
}

// Snooper returns the slot of the session watching s, or -1.
func (s *Session) Snooper() int { return s.snoopBySlot }

// SnoopTarget returns the slot s is watching, or -1.
func (s *Session) SnoopTarget() int { return s.snoopOn }

// clearWatcher removes the relation pointing at target.
func (t *Table) clearWatcher(target *Session) {
	if target.snoopBySlot >= 0 {
		if w := t.slots[target.snoopBySlot]; w != nil && w.snoopOn == target.ref.Index {
			w.snoopOn = -1
		}
	}
	target.snoopBy = nil
	target.snoopBySlot = -1
}

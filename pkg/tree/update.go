package tree

import "go.uber.org/zap"

// Post queues fn to run on the store goroutine during the next Update. It
// is the only Store method safe to call from other goroutines.
func (s *Store) Post(fn func(*Store)) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()
}

// Update runs one frame: queued functions first, then property sets
// deferred with ByPost, then the update observers.
func (s *Store) Update(dt float64) {
	s.inboxMu.Lock()
	inbox := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	for _, fn := range inbox {
		fn(s)
	}

	posted := s.posted
	s.posted = nil
	for _, ps := range posted {
		if !ps.node.alive || ps.node.meta != ps.meta {
			s.warn("posted set dropped", zap.String("meta", ps.meta.name()), zap.Stringer("property", ps.index))
			continue
		}
		def := ps.meta.props[ps.index]
		if err := s.set("Update", ps.node, def, ps.value, ps.flags); err != nil {
			s.warn("posted set failed", zap.String("property", def.Name), zap.Error(err))
		}
	}

	s.emitUpdate(dt)
}

// PendingPosts returns the number of deferred property sets.
func (s *Store) PendingPosts() int { return len(s.posted) }

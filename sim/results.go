package sim

import "iter"

// pushResultLocked keeps o for its request's result stream. KV deltas are
// not kept; they already live in the cache.
func (s *Scheduler) pushResultLocked(o ChunkOutput, start int) {
	if s.cfg.ResultBuffer == 0 {
		return
	}
	o.Start = start
	o.KV = nil
	q := append(s.results[o.RequestID], o)
	if over := len(q) - s.cfg.ResultBuffer; over > 0 {
		q = q[over:]
	}
	s.results[o.RequestID] = q
}

// Results returns the request's undelivered outputs, one per chunk or decode
// step, oldest first. The sequence is lazy and finite: it ends when no output
// is buffered, and a later call picks up outputs produced since. Every
// yielded output is dropped from the scheduler.
func (s *Scheduler) Results(id string) iter.Seq[ChunkOutput] {
	return func(yield func(ChunkOutput) bool) {
		for {
			s.mu.Lock()
			q := s.results[id]
			if len(q) == 0 {
				s.mu.Unlock()
				return
			}
			o := q[0]
			if len(q) == 1 {
				delete(s.results, id)
			} else {
				s.results[id] = q[1:]
			}
			s.mu.Unlock()
			if !yield(o) {
				return
			}
		}
	}
}

package gateway

// Session is the resume identity for one shard. At most one Session is
// active per shard; it is replaced on READY, refreshed on RESUMED, and
// destroyed by a non-resumable close or invalid-session signal.
type Session struct {
	ID        string
	Seq       int64
	ResumeURL string
}

// advance records a dispatched sequence number. Sequence numbers never
// decrease within a session; stale values are ignored.
func (s *Session) advance(seq int64) {
	if seq > s.Seq {
		s.Seq = seq
	}
}

package sync

import "sync"

// DatabaseState tracks what one socket has been sent for one database.
// lastSeqNo is monotonically non-decreasing and equals the highest sequence
// number already delivered to this client on this socket.
//
// A state is mutated both by its own push continuations and by fast-path
// sends from the fan-out dispatcher, so every mutation and every
// "is lastSeqNo still X" check holds mu.
type DatabaseState struct {
	mu sync.Mutex

	bundleSeqNo        int64 // -1 if the database has no bundle
	lastSeqNo          int64
	transactionLogSize int64 // unbundled bytes streamed since the last bundle hint
	init               bool
}

func newDatabaseState(bundleSeqNo int64, reopenAtSeqNo *int64) *DatabaseState {
	if bundleSeqNo <= 0 {
		bundleSeqNo = -1
	}

	state := &DatabaseState{bundleSeqNo: bundleSeqNo}

	// On reopen the client already holds the database header, so the state
	// starts initialized at the client's position.
	if reopenAtSeqNo != nil {
		state.lastSeqNo = *reopenAtSeqNo
		state.init = true
	}

	return state
}

// BundleSeqNo returns the sequence number of the database's bundle, -1 if none.
func (s *DatabaseState) BundleSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundleSeqNo
}

// LastSeqNo returns the highest sequence number delivered on this socket.
func (s *DatabaseState) LastSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeqNo
}

// Initialized reports whether the client holds the database header: the
// opening batch has been sent, or the state was created by a reopen.
func (s *DatabaseState) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init
}

package summary

import (
	"context"
	"sync"
)

// patientLocks serializes aggregation runs per patient. Runs for different
// patients never wait on each other.
type patientLocks struct {
	mu    sync.Mutex
	locks map[string]*patientLock
}

type patientLock struct {
	ch   chan struct{}
	refs int
}

func newPatientLocks() *patientLocks {
	return &patientLocks{locks: make(map[string]*patientLock)}
}

// acquire blocks until the patient's lock is held or ctx is done.
func (l *patientLocks) acquire(ctx context.Context, patientID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[patientID]
	if !ok {
		lock = &patientLock{ch: make(chan struct{}, 1)}
		l.locks[patientID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(patientID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.unref(patientID, lock)
		})
	}, nil
}

func (l *patientLocks) unref(patientID string, lock *patientLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, patientID)
	}
}

// sessions tracks in-flight runs so a session purge can cancel them.
type sessions struct {
	mu   sync.Mutex
	next uint64
	runs map[string]map[uint64]context.CancelCauseFunc
}

func newSessions() *sessions {
	return &sessions{runs: make(map[string]map[uint64]context.CancelCauseFunc)}
}

func (s *sessions) begin(ctx context.Context, patientID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.next++
	id := s.next
	if s.runs[patientID] == nil {
		s.runs[patientID] = make(map[uint64]context.CancelCauseFunc)
	}
	s.runs[patientID][id] = cancel
	s.mu.Unlock()

	return runCtx, func() {
		s.mu.Lock()
		delete(s.runs[patientID], id)
		if len(s.runs[patientID]) == 0 {
			delete(s.runs, patientID)
		}
		s.mu.Unlock()
		cancel(nil)
	}
}

// purge cancels every in-flight run of the patient and returns how many there were.
func (s *sessions) purge(patientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[patientID]
	for _, cancel := range runs {
		cancel(ErrSessionPurged)
	}
	return len(runs)
}

package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stage is a state of an ingestion run
type Stage string

const (
	StageQueued      Stage = "queued"
	StageDiscovering Stage = "discovering"
	StageExtracting  Stage = "extracting"
	StageEmbedding   Stage = "embedding"
	StageIndexing    Stage = "indexing"
	StageComplete    Stage = "complete"
	StageFailed      Stage = "failed"
)

// Terminal reports whether no further transition can happen
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// maxRecordedErrors bounds Status.Errors
const maxRecordedErrors = 100

// FileError is the failure of one file
type FileError struct {
	Path    string
	Stage   Stage
	Message string
}

// Status is a snapshot of an ingestion run
type Status struct {
	JobID    string
	Repo     string
	Revision int64
	Model    string

	Stage       Stage
	FailedStage Stage // Set when Stage is StageFailed
	Error       string
	NoOp        bool // Nothing had changed since the previous run

	FilesDiscovered       int
	FilesProcessed        int // Changed files written to both stores
	FilesFailed           int
	FilesSkipped          int // Unchanged files
	FilesIgnored          int // Ignored, oversize or binary files
	FilesDeleted          int
	ParseFailures         int // Files indexed without structure
	ChunksIndexed         int
	RelationshipsWritten  int
	RelationshipsRejected int
	ModelsPruned          int

	Errors []FileError

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the run time so far, or the total once finished
func (s Status) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// job tracks one run
type job struct {
	id   string
	mu   sync.Mutex
	st   Status
	done chan struct{}
}

func newJob(id string, ref Ref, model string) *job {
	return &job{
		id: id,
		st: Status{
			JobID:     id,
			Repo:      ref.Path,
			Revision:  ref.Revision,
			Model:     model,
			Stage:     StageQueued,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
}

func (j *job) update(fn func(s *Status)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.st)
}

func (j *job) setStage(stage Stage) {
	j.update(func(s *Status) { s.Stage = stage })
}

func (j *job) fileFailed(path string, stage Stage, err error) {
	j.update(func(s *Status) {
		s.FilesFailed++
		if len(s.Errors) < maxRecordedErrors {
			s.Errors = append(s.Errors, FileError{Path: path, Stage: stage, Message: err.Error()})
		}
	})
}

// finish moves the job to a terminal stage
func (j *job) finish(failedStage Stage, err error) {
	j.update(func(s *Status) {
		s.FinishedAt = time.Now()
		if err != nil {
			s.Stage = StageFailed
			s.FailedStage = failedStage
			s.Error = err.Error()
			return
		}
		s.Stage = StageComplete
	})
}

// release wakes the waiters of a finished job
func (j *job) release() {
	close(j.done)
}

func (j *job) snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.st
	st.Errors = append([]FileError(nil), j.st.Errors...)
	return st
}

// IndexLock provides non-blocking lock semantics using atomic operations.
// One ingestion runs per repository at a time.
type IndexLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

// TryAcquire attempts to acquire the lock without blocking.
// Returns true if the lock was successfully acquired, false otherwise.
func (l *IndexLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release releases the lock.
// Must only be called by the holder of the lock.
func (l *IndexLock) Release() {
	l.state.Store(0)
}

// Held reports whether a run holds the lock
func (l *IndexLock) Held() bool {
	return l.state.Load() == 1
}

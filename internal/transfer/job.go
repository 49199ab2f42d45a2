// Package transfer executes queued upload, download and remote
// maintenance jobs against an active session, reporting progress and
// terminal outcomes on the event bus.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydock/ferry/internal/config"
)

// JobKind indicates what a job does.
type JobKind string

const (
	UploadFile   JobKind = "upload_file"
	DownloadFile JobKind = "download_file"
	UploadDir    JobKind = "upload_dir"
	DownloadDir  JobKind = "download_dir"
	Delete       JobKind = "delete"
	Mkdir        JobKind = "mkdir"
	Rename       JobKind = "rename"
)

// JobState represents the current state of a job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// WaitReason says why a paused job is paused.
type WaitReason string

const (
	WaitNone      WaitReason = ""
	WaitUser      WaitReason = "user"
	WaitReconnect WaitReason = "reconnect"
	WaitDecision  WaitReason = "overwrite_decision"
)

// Job is a single queued unit of transfer work. Directory jobs act as
// containers: they are expanded into child jobs at enqueue time and
// finish when every child has.
type Job struct {
	ID       string
	ParentID string
	Kind     JobKind
	Source   string
	Dest     string

	mu         sync.RWMutex
	state      JobState
	waiting    WaitReason
	bytesTotal int64
	bytesDone  int64
	retries    int
	err        error
	speed      float64
	skipped    bool
	dest       string // effective destination after policy resolution
	decided    config.OverwritePolicy

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	// Speed EMA internals.
	lastBytes  int64
	lastUpdate time.Time
	lastEmit   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	resumeCh chan struct{} // non-nil while paused by the user

	children  []*Job // parent jobs only
	remaining int
	failed    int

	finishOnce sync.Once // folds this child into its parent exactly once
}

func newJob(kind JobKind, source, dest string) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		Dest:      dest,
		state:     StateQueued,
		dest:      dest,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Snapshot is a read-only view of a job, safe to hold after the job
// moves on. Children carries per-child outcomes for directory jobs.
type Snapshot struct {
	ID         string
	ParentID   string
	Kind       JobKind
	Source     string
	Dest       string
	State      JobState
	Waiting    WaitReason
	BytesTotal int64
	BytesDone  int64
	Retries    int
	Speed      float64
	Skipped    bool
	Err        error
	Children   []Snapshot
}

// Snapshot returns the current view of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	s := Snapshot{
		ID:         j.ID,
		ParentID:   j.ParentID,
		Kind:       j.Kind,
		Source:     j.Source,
		Dest:       j.dest,
		State:      j.state,
		Waiting:    j.waiting,
		BytesTotal: j.bytesTotal,
		BytesDone:  j.bytesDone,
		Retries:    j.retries,
		Speed:      j.speed,
		Skipped:    j.skipped,
		Err:        j.err,
	}
	children := j.children
	j.mu.RUnlock()

	for _, c := range children {
		s.Children = append(s.Children, c.Snapshot())
	}
	return s
}

// State returns the current state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

func (j *Job) setState(state JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = state
	if state == StateRunning {
		j.waiting = WaitNone
		if j.startedAt.IsZero() {
			j.startedAt = time.Now()
		}
	}
	if state.Terminal() {
		j.completedAt = time.Now()
	}
}

func (j *Job) setWaiting(reason WaitReason) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StatePaused
	j.waiting = reason
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateFailed
	j.waiting = WaitNone
	j.err = err
	j.completedAt = time.Now()
}

func (j *Job) bytes() (done, total int64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.bytesDone, j.bytesTotal
}

func (j *Job) setTotal(total int64) {
	j.mu.Lock()
	j.bytesTotal = total
	j.mu.Unlock()
}

// rewind resets the confirmed position after a retry re-verified the
// destination length.
func (j *Job) rewind(offset int64) {
	j.mu.Lock()
	j.bytesDone = offset
	j.lastBytes = offset
	j.mu.Unlock()
}

// advance records a completed chunk and refreshes the EMA speed.
// Rate samples closer together than 100ms are folded into the next one.
func (j *Job) advance(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.bytesDone += n
	now := time.Now()
	if j.lastUpdate.IsZero() {
		j.lastUpdate = now
		j.lastBytes = j.bytesDone
		return
	}
	elapsed := now.Sub(j.lastUpdate).Seconds()
	if elapsed < 0.1 {
		return
	}
	instant := float64(j.bytesDone-j.lastBytes) / elapsed
	if j.speed == 0 {
		j.speed = instant
	} else {
		j.speed = 0.25*instant + 0.75*j.speed
	}
	j.lastBytes = j.bytesDone
	j.lastUpdate = now
}

func (j *Job) incRetries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retries++
	return j.retries
}

func (j *Job) retryCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.retries
}

// shouldEmit throttles progress events to one per interval. The
// terminal chunk always emits.
func (j *Job) shouldEmit(interval time.Duration, final bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	if !final && interval > 0 && !j.lastEmit.IsZero() && now.Sub(j.lastEmit) < interval {
		return false
	}
	j.lastEmit = now
	return true
}

// pause flags the job for a user-requested pause. Running jobs stop at
// the next chunk boundary; queued jobs stop before their first chunk.
func (j *Job) pause() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() || j.resumeCh != nil {
		return
	}
	j.resumeCh = make(chan struct{})
}

// resume releases a user pause, if any.
func (j *Job) resume() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resumeCh != nil {
		close(j.resumeCh)
		j.resumeCh = nil
	}
}

// pauseWait returns the channel to wait on while the user pause holds,
// or nil when the job is free to run.
func (j *Job) pauseWait() <-chan struct{} {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.resumeCh == nil {
		return nil
	}
	return j.resumeCh
}

// effectiveDest returns the destination after any rename-policy rewrite.
func (j *Job) effectiveDest() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.dest
}

func (j *Job) setEffectiveDest(dest string) {
	j.mu.Lock()
	j.dest = dest
	j.mu.Unlock()
}

func (j *Job) markSkipped() {
	j.mu.Lock()
	j.skipped = true
	j.mu.Unlock()
}

// decision returns the answered overwrite choice, if any.
func (j *Job) decision() (config.OverwritePolicy, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.decided, j.decided != ""
}

func (j *Job) setDecision(choice config.OverwritePolicy) {
	j.mu.Lock()
	j.decided = choice
	j.state = StateQueued
	j.waiting = WaitNone
	j.mu.Unlock()
}

func (j *Job) waitingOn() WaitReason {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.waiting
}

package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferrydock/ferry/internal/config"
	"github.com/ferrydock/ferry/internal/events"
	"github.com/ferrydock/ferry/internal/logging"
	"github.com/ferrydock/ferry/internal/remote"
	"github.com/ferrydock/ferry/internal/session"
)

// SessionHandle is the slice of a session the engine needs. The FS call
// is repeated on every retry so a reconnected session hands out its
// fresh client.
type SessionHandle interface {
	ID() string
	FS() (remote.FS, error)
	Touch()
}

// Config tunes one engine instance.
type Config struct {
	ChunkSize        int64
	Workers          int
	RetryLimit       int
	Policy           config.OverwritePolicy
	ProgressInterval time.Duration
	GraceWindow      time.Duration
	RetryBackoff     time.Duration
	FollowLinks      bool
	QueueDepth       int
}

// FromConfig derives engine settings from the loaded configuration.
func FromConfig(c *config.Config) Config {
	return Config{
		ChunkSize:        c.Transfer.ChunkSizeBytes,
		Workers:          c.Transfer.ConcurrentJobsPerSession,
		RetryLimit:       c.Transfer.RetryLimit,
		Policy:           config.OverwritePolicy(c.Transfer.OverwritePolicy),
		ProgressInterval: c.ProgressInterval(),
		GraceWindow:      c.GraceWindow(),
	}
}

const defaultQueueDepth = 4096

// errAwaitDecision parks a job until Decide is called. It never reaches
// a terminal state.
var errAwaitDecision = errors.New("awaiting overwrite decision")

// Engine executes jobs against one session with a bounded worker pool.
type Engine struct {
	sess SessionHandle
	bus  *events.Bus
	log  *logging.Logger
	cfg  Config

	mu     sync.Mutex
	jobs   map[string]*Job
	order  []*Job
	queue  chan *Job
	closed bool

	// Session gating, driven by SessionStateChanged events.
	sessionDown bool
	sessionGone bool
	downSince   time.Time
	sessionUp   chan struct{}

	sub    <-chan events.Event
	done   chan struct{}
	stopWG sync.WaitGroup
}

// NewEngine returns an engine bound to sess. Call Start before
// enqueueing and Stop when finished.
func NewEngine(sess SessionHandle, bus *events.Bus, log *logging.Logger, cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.Policy == "" {
		cfg.Policy = config.OverwritePromptFor
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	return &Engine{
		sess:      sess,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		jobs:      make(map[string]*Job),
		queue:     make(chan *Job, cfg.QueueDepth),
		sessionUp: closedChan(),
		done:      make(chan struct{}),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Start launches the worker pool and the session watcher.
func (e *Engine) Start() {
	if e.bus != nil {
		e.sub = e.bus.Subscribe(events.EventSessionStateChanged)
		e.stopWG.Add(1)
		go e.watchSession()
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.stopWG.Add(1)
		go e.worker()
	}
}

// Stop halts the workers. Running jobs are interrupted at the next
// chunk boundary and left non-terminal; Stop is for process shutdown,
// not job control.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	if e.sub != nil {
		e.bus.Unsubscribe(events.EventSessionStateChanged, e.sub)
	}
	e.stopWG.Wait()
}

// Enqueue registers a job and returns its ID. Directory kinds are
// expanded breadth-first into mkdir and file child jobs immediately;
// the returned ID names the parent container job.
func (e *Engine) Enqueue(kind JobKind, source, dest string) (string, error) {
	switch kind {
	case UploadDir:
		return e.enqueueUploadDir(source, dest)
	case DownloadDir:
		return e.enqueueDownloadDir(source, dest)
	case UploadFile, DownloadFile, Delete, Mkdir, Rename:
		job := newJob(kind, source, dest)
		if kind == UploadFile {
			if info, err := os.Stat(source); err == nil {
				job.setTotal(info.Size())
			}
		}
		if err := e.register(job); err != nil {
			return "", err
		}
		if err := e.push(job); err != nil {
			return "", err
		}
		return job.ID, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

func (e *Engine) enqueueUploadDir(source, dest string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", classify(err, source, 0)
	}
	if !info.IsDir() {
		return "", newError(KindNotFound, source+" is not a directory", nil)
	}

	parent := newJob(UploadDir, source, dest)
	children := []*Job{childJob(parent, Mkdir, "", dest)}

	// Breadth-first: a directory's mkdir is queued before any job
	// touching its children.
	type level struct{ local, remotePath string }
	pending := []level{{source, dest}}
	var total int64
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		entries, err := os.ReadDir(cur.local)
		if err != nil {
			return "", classify(err, cur.local, 0)
		}
		for _, de := range entries {
			name := de.Name()
			localPath := filepath.Join(cur.local, name)
			remotePath := remote.JoinPath(cur.remotePath, name)
			if de.Type()&os.ModeSymlink != 0 && !e.cfg.FollowLinks {
				continue
			}
			if de.IsDir() {
				children = append(children, childJob(parent, Mkdir, "", remotePath))
				pending = append(pending, level{localPath, remotePath})
				continue
			}
			fi, err := de.Info()
			if err != nil {
				continue
			}
			c := childJob(parent, UploadFile, localPath, remotePath)
			c.setTotal(fi.Size())
			total += fi.Size()
			children = append(children, c)
		}
	}
	return e.registerExpansion(parent, children, total)
}

func (e *Engine) enqueueDownloadDir(source, dest string) (string, error) {
	fs, err := e.sess.FS()
	if err != nil {
		return "", err
	}
	info, err := fs.Stat(source)
	if err != nil {
		return "", classify(err, source, 0)
	}
	if !info.IsDir() {
		return "", newError(KindNotFound, source+" is not a directory", nil)
	}

	parent := newJob(DownloadDir, source, dest)
	children := []*Job{childJob(parent, mkdirLocalKind, "", dest)}

	type level struct{ remotePath, local string }
	pending := []level{{source, dest}}
	var total int64
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		infos, err := fs.ReadDir(cur.remotePath)
		if err != nil {
			return "", classify(err, cur.remotePath, 0)
		}
		for _, fi := range infos {
			name := fi.Name()
			remotePath := remote.JoinPath(cur.remotePath, name)
			localPath := filepath.Join(cur.local, name)
			if fi.Mode()&os.ModeSymlink != 0 && !e.cfg.FollowLinks {
				continue
			}
			if fi.IsDir() {
				children = append(children, childJob(parent, mkdirLocalKind, "", localPath))
				pending = append(pending, level{remotePath, localPath})
				continue
			}
			c := childJob(parent, DownloadFile, remotePath, localPath)
			c.setTotal(fi.Size())
			total += fi.Size()
			children = append(children, c)
		}
	}
	return e.registerExpansion(parent, children, total)
}

// mkdirLocalKind is an internal kind for local directory creation
// inside a DownloadDir expansion.
const mkdirLocalKind JobKind = "mkdir_local"

func childJob(parent *Job, kind JobKind, source, dest string) *Job {
	j := newJob(kind, source, dest)
	j.ParentID = parent.ID
	return j
}

func (e *Engine) registerExpansion(parent *Job, children []*Job, total int64) (string, error) {
	parent.setTotal(total)
	parent.children = children
	parent.remaining = len(children)
	if err := e.register(parent); err != nil {
		return "", err
	}
	for _, c := range children {
		if err := e.register(c); err != nil {
			return "", err
		}
	}
	parent.setState(StateRunning)
	for _, c := range children {
		if err := e.push(c); err != nil {
			return "", err
		}
	}
	return parent.ID, nil
}

func (e *Engine) register(job *Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine stopped")
	}
	e.jobs[job.ID] = job
	e.order = append(e.order, job)
	e.publishTransfer(events.EventTransferQueued, job)
	return nil
}

func (e *Engine) push(job *Job) error {
	select {
	case e.queue <- job:
		return nil
	default:
		return errors.New("transfer queue full")
	}
}

// Cancel stops a job. Queued jobs are removed, running jobs interrupt
// at the next chunk boundary, parents cancel their remaining children.
func (e *Engine) Cancel(jobID string) error {
	job, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	e.cancelJob(job)
	return nil
}

func (e *Engine) cancelJob(job *Job) {
	for _, c := range job.children {
		e.cancelJob(c)
	}
	job.cancel()
	job.resume()
	// Jobs not held by a worker right now terminalize here; running
	// jobs notice the context at the next checkpoint.
	switch st := job.State(); {
	case st == StateQueued, st == StatePaused && job.waitingOn() == WaitDecision:
		job.setState(StateCancelled)
		e.publishTransfer(events.EventTransferCancelled, job)
		e.finishChild(job)
	}
}

// Pause suspends a job at its next chunk boundary.
func (e *Engine) Pause(jobID string) error {
	job, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	job.pause()
	for _, c := range job.children {
		c.pause()
	}
	return nil
}

// Resume releases a user pause.
func (e *Engine) Resume(jobID string) error {
	job, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	job.resume()
	for _, c := range job.children {
		c.resume()
	}
	return nil
}

// Status returns a snapshot of the job.
func (e *Engine) Status(jobID string) (Snapshot, error) {
	job, err := e.lookup(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// Jobs returns snapshots of every known job in enqueue order.
func (e *Engine) Jobs() []Snapshot {
	e.mu.Lock()
	order := make([]*Job, len(e.order))
	copy(order, e.order)
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(order))
	for _, j := range order {
		out = append(out, j.Snapshot())
	}
	return out
}

// Decide answers an OverwriteDecisionRequested event. Valid choices are
// skip, overwrite and rename; the job re-enters the queue.
func (e *Engine) Decide(jobID string, choice config.OverwritePolicy) error {
	switch choice {
	case config.OverwriteSkip, config.OverwriteReplace, config.OverwriteRename:
	default:
		return fmt.Errorf("invalid overwrite decision %q", choice)
	}
	job, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	if job.waitingOn() != WaitDecision {
		return fmt.Errorf("job %s is not awaiting a decision", jobID)
	}
	job.setDecision(choice)
	return e.push(job)
}

func (e *Engine) lookup(jobID string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	return job, nil
}

func (e *Engine) worker() {
	defer e.stopWG.Done()
	for {
		select {
		case <-e.done:
			return
		case job := <-e.queue:
			e.run(job)
		}
	}
}

func (e *Engine) run(job *Job) {
	if job.State().Terminal() {
		return
	}
	job.setState(StateRunning)

	err := e.execute(job)
	switch {
	case err == nil:
		job.setState(StateCompleted)
		e.publishTransfer(events.EventTransferCompleted, job)
		e.invalidateFor(job)
		e.sess.Touch()
	case errors.Is(err, errAwaitDecision):
		// Parked; Decide re-queues it. The worker moves on.
		return
	case IsKind(err, KindCancelled):
		job.setState(StateCancelled)
		e.publishTransfer(events.EventTransferCancelled, job)
	default:
		job.fail(err)
		e.publishTransferErr(events.EventTransferFailed, job, err)
	}
	e.finishChild(job)
}

func (e *Engine) execute(job *Job) error {
	switch job.Kind {
	case UploadFile:
		return e.runCopy(job, true)
	case DownloadFile:
		return e.runCopy(job, false)
	case Mkdir:
		return e.runMkdir(job)
	case mkdirLocalKind:
		return classify(os.MkdirAll(job.Dest, 0755), job.Dest, 0)
	case Delete:
		return e.runDelete(job)
	case Rename:
		return e.runRename(job)
	default:
		return fmt.Errorf("job %s: unexecutable kind %q", job.ID, job.Kind)
	}
}

// runCopy drives a file transfer through the retry loop. upload selects
// direction; each attempt re-fetches the session's filesystem so a
// reconnect is picked up transparently.
func (e *Engine) runCopy(job *Job, upload bool) error {
	for {
		err := e.copyOnce(job, upload)
		if err == nil || errors.Is(err, errAwaitDecision) || permanent(err) {
			return err
		}
		done, _ := job.bytes()
		if job.retryCount() >= e.cfg.RetryLimit {
			return &Error{Kind: KindRetryExhausted, Offset: done, msg: job.Source, err: err}
		}
		attempt := job.incRetries()
		e.log.Debugf("job %s retry %d after: %v", job.ID, attempt, err)
		if err := e.backoff(job, attempt); err != nil {
			return err
		}
	}
}

func (e *Engine) backoff(job *Job, attempt int) error {
	d := e.cfg.RetryBackoff << (attempt - 1)
	if max := 30 * time.Second; d > max {
		d = max
	}
	select {
	case <-job.ctx.Done():
		return newError(KindCancelled, job.Source, nil)
	case <-time.After(d):
		return nil
	}
}

func (e *Engine) copyOnce(job *Job, upload bool) error {
	if err := e.checkpoint(job); err != nil {
		return err
	}
	fs, err := e.sess.FS()
	if err != nil {
		return err
	}

	proceed, err := e.resolveDest(job, fs, upload)
	if err != nil || !proceed {
		return err
	}
	dest := job.effectiveDest()

	var src remote.File
	var total int64
	if upload {
		f, err := os.Open(job.Source)
		if err != nil {
			return classify(err, job.Source, 0)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return classify(err, job.Source, 0)
		}
		total = info.Size()
		src = f
	} else {
		f, err := fs.Open(job.Source)
		if err != nil {
			return classify(err, job.Source, 0)
		}
		defer f.Close()
		info, err := fs.Stat(job.Source)
		if err != nil {
			return classify(err, job.Source, 0)
		}
		total = info.Size()
		src = f
	}
	job.setTotal(total)

	offset, err := e.confirmOffset(job, fs, dest, upload)
	if err != nil {
		return err
	}
	job.rewind(offset)

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	var dst remote.File
	if upload {
		dst, err = fs.OpenFile(dest, flags)
	} else {
		dst, err = openLocal(dest, flags)
	}
	if err != nil {
		return classify(err, dest, offset)
	}
	defer dst.Close()

	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return classify(err, job.Source, offset)
		}
		if _, err := dst.Seek(offset, io.SeekStart); err != nil {
			return classify(err, dest, offset)
		}
	}

	buf := make([]byte, e.cfg.ChunkSize)
	done := offset
	for done < total {
		if err := e.checkpoint(job); err != nil {
			return err
		}
		want := total - done
		if want > e.cfg.ChunkSize {
			want = e.cfg.ChunkSize
		}
		n, err := io.ReadFull(src, buf[:want])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return classify(err, job.Source, done)
		}
		if n == 0 {
			break
		}
		if _, err := writeAll(dst, buf[:n]); err != nil {
			return classify(err, dest, done)
		}
		done += int64(n)
		job.advance(int64(n))
		e.emitProgress(job, done >= total)
	}
	if err := dst.Close(); err != nil {
		return classify(err, dest, done)
	}
	return nil
}

// confirmOffset re-verifies how much of the destination survived a
// failed attempt. Resumption trusts the destination's length, never the
// in-memory counter, so a partial chunk is rewritten rather than skipped.
func (e *Engine) confirmOffset(job *Job, fs remote.FS, dest string, upload bool) (int64, error) {
	done, _ := job.bytes()
	if done == 0 {
		return 0, nil
	}
	var size int64
	if upload {
		info, err := fs.Stat(dest)
		if err != nil {
			if remote.IsNotExist(err) {
				return 0, nil
			}
			return 0, classify(err, dest, done)
		}
		size = info.Size()
	} else {
		info, err := os.Stat(dest)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, classify(err, dest, done)
		}
		size = info.Size()
	}
	if size < done {
		done = size
	}
	// Snap back to the last whole chunk actually confirmed.
	done -= done % e.cfg.ChunkSize
	return done, nil
}

// resolveDest applies the overwrite policy the first time a job touches
// an existing destination. Returns proceed=false for a skip.
func (e *Engine) resolveDest(job *Job, fs remote.FS, upload bool) (bool, error) {
	done, _ := job.bytes()
	if done > 0 {
		// Mid-retry; policy was settled before the first byte.
		return true, nil
	}
	dest := job.effectiveDest()
	exists := false
	if upload {
		if _, err := fs.Stat(dest); err == nil {
			exists = true
		} else if !remote.IsNotExist(err) {
			return false, classify(err, dest, 0)
		}
	} else {
		if _, err := os.Stat(dest); err == nil {
			exists = true
		} else if !os.IsNotExist(err) {
			return false, classify(err, dest, 0)
		}
	}
	if !exists {
		return true, nil
	}

	policy := e.cfg.Policy
	if decided, ok := job.decision(); ok {
		policy = decided
	}
	switch policy {
	case config.OverwriteReplace:
		return true, nil
	case config.OverwriteSkip:
		job.markSkipped()
		return false, nil
	case config.OverwriteRename:
		renamed, err := e.renameCandidate(job, fs, dest, upload)
		if err != nil {
			return false, err
		}
		job.setEffectiveDest(renamed)
		return true, nil
	case config.OverwritePromptFor:
		job.setWaiting(WaitDecision)
		if e.bus != nil {
			e.bus.Publish(events.OverwriteDecisionEvent{
				BaseEvent: events.BaseEvent{EventType: events.EventOverwriteDecisionRequested, Time: time.Now()},
				JobID:     job.ID,
				Dest:      dest,
				Size:      statSize(fs, dest, upload),
			})
		}
		return false, errAwaitDecision
	default:
		return false, fmt.Errorf("unknown overwrite policy %q", policy)
	}
}

func statSize(fs remote.FS, dest string, upload bool) int64 {
	if upload {
		if info, err := fs.Stat(dest); err == nil {
			return info.Size()
		}
		return 0
	}
	if info, err := os.Stat(dest); err == nil {
		return info.Size()
	}
	return 0
}

// renameCandidate finds a free destination by inserting a counter
// before the extension: "report.csv" becomes "report_1.csv".
func (e *Engine) renameCandidate(job *Job, fs remote.FS, dest string, upload bool) (string, error) {
	ext := path.Ext(dest)
	base := strings.TrimSuffix(dest, ext)
	for i := 1; i <= 1000; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		var err error
		if upload {
			_, err = fs.Stat(candidate)
			if remote.IsNotExist(err) {
				return candidate, nil
			}
		} else {
			_, err = os.Stat(candidate)
			if os.IsNotExist(err) {
				return candidate, nil
			}
		}
		if err != nil {
			return "", classify(err, candidate, 0)
		}
	}
	return "", fmt.Errorf("no free rename candidate for %s", dest)
}

// runMkdir creates a remote directory. An already-existing directory is
// success.
func (e *Engine) runMkdir(job *Job) error {
	if err := e.checkpoint(job); err != nil {
		return err
	}
	fs, err := e.sess.FS()
	if err != nil {
		return err
	}
	err = fs.Mkdir(job.Dest)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if info, statErr := fs.Stat(job.Dest); statErr == nil && info.IsDir() {
		return nil
	}
	return classify(err, job.Dest, 0)
}

// runDelete removes a remote file, or a remote directory tree
// depth-first.
func (e *Engine) runDelete(job *Job) error {
	if err := e.checkpoint(job); err != nil {
		return err
	}
	fs, err := e.sess.FS()
	if err != nil {
		return err
	}
	return e.deleteTree(job, fs, job.Source)
}

func (e *Engine) deleteTree(job *Job, fs remote.FS, p string) error {
	if err := e.checkpoint(job); err != nil {
		return err
	}
	info, err := fs.Lstat(p)
	if err != nil {
		return classify(err, p, 0)
	}
	if !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return classify(fs.Remove(p), p, 0)
	}
	entries, err := fs.ReadDir(p)
	if err != nil {
		return classify(err, p, 0)
	}
	for _, entry := range entries {
		if err := e.deleteTree(job, fs, remote.JoinPath(p, entry.Name())); err != nil {
			return err
		}
	}
	return classify(fs.RemoveDirectory(p), p, 0)
}

func (e *Engine) runRename(job *Job) error {
	if err := e.checkpoint(job); err != nil {
		return err
	}
	fs, err := e.sess.FS()
	if err != nil {
		return err
	}
	return classify(fs.Rename(job.Source, job.Dest), job.Source, 0)
}

// checkpoint is consulted before every blocking call and at every chunk
// boundary. It observes cancellation, user pauses and session outages.
// A session outage holds the job for the grace window and fails it with
// a lost-connection error if the session does not come back.
func (e *Engine) checkpoint(job *Job) error {
	for {
		select {
		case <-job.ctx.Done():
			return newError(KindCancelled, job.Source, nil)
		default:
		}

		if ch := job.pauseWait(); ch != nil {
			job.setWaiting(WaitUser)
			select {
			case <-job.ctx.Done():
				return newError(KindCancelled, job.Source, nil)
			case <-ch:
			}
			job.setState(StateRunning)
			continue
		}

		e.mu.Lock()
		gone := e.sessionGone
		down := e.sessionDown
		upCh := e.sessionUp
		since := e.downSince
		e.mu.Unlock()

		if gone {
			return session.NewError(session.KindConnectionLost, "session closed with transfers in flight", nil)
		}
		if !down {
			if job.State() == StatePaused {
				job.setState(StateRunning)
			}
			return nil
		}

		job.setWaiting(WaitReconnect)
		deadline := since.Add(e.cfg.GraceWindow)
		wait := time.Until(deadline)
		if wait <= 0 {
			return session.NewError(session.KindConnectionLost, "session did not recover within the grace window", nil)
		}
		select {
		case <-job.ctx.Done():
			return newError(KindCancelled, job.Source, nil)
		case <-upCh:
		case <-time.After(wait):
			return session.NewError(session.KindConnectionLost, "session did not recover within the grace window", nil)
		}
	}
}

func (e *Engine) watchSession() {
	defer e.stopWG.Done()
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.sub:
			if !ok {
				return
			}
			st, ok := ev.(events.SessionStateEvent)
			if !ok || st.SessionID != e.sess.ID() {
				continue
			}
			switch st.NewState {
			case "connected":
				e.markUp()
			case "reconnecting":
				e.markDown(false)
			case "failed", "disconnected":
				e.markDown(true)
			}
		}
	}
}

func (e *Engine) markDown(gone bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gone {
		e.sessionGone = true
	}
	if !e.sessionDown {
		e.sessionDown = true
		e.downSince = time.Now()
		e.sessionUp = make(chan struct{})
	}
}

func (e *Engine) markUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionGone = false
	if e.sessionDown {
		e.sessionDown = false
		close(e.sessionUp)
	}
}

// finishChild folds a terminal child into its parent, completing the
// parent when the last child lands. Failed children never abort their
// siblings; the parent reports how many fell over.
func (e *Engine) finishChild(job *Job) {
	if job.ParentID == "" {
		return
	}
	done := false
	job.finishOnce.Do(func() { done = true })
	if !done {
		return
	}
	parent, err := e.lookup(job.ParentID)
	if err != nil {
		return
	}

	parent.mu.Lock()
	switch job.State() {
	case StateFailed, StateCancelled:
		parent.failed++
	}
	parent.remaining--
	last := parent.remaining == 0
	failed := parent.failed
	total := len(parent.children)
	parent.mu.Unlock()

	if !last {
		return
	}
	if failed > 0 {
		parent.fail(fmt.Errorf("%d of %d entries failed", failed, total))
		e.publishTransferErr(events.EventTransferFailed, parent, parent.Snapshot().Err)
		return
	}
	parent.setState(StateCompleted)
	e.publishTransfer(events.EventTransferCompleted, parent)
}

func (e *Engine) emitProgress(job *Job, final bool) {
	if e.bus == nil || !job.shouldEmit(e.cfg.ProgressInterval, final) {
		return
	}
	e.publishTransfer(events.EventTransferProgress, job)
}

func (e *Engine) publishTransfer(eventType events.EventType, job *Job) {
	e.publishTransferErr(eventType, job, nil)
}

func (e *Engine) publishTransferErr(eventType events.EventType, job *Job, cause error) {
	if e.bus == nil {
		return
	}
	done, total := job.bytes()
	job.mu.RLock()
	speed := job.speed
	job.mu.RUnlock()
	e.bus.Publish(events.TransferEvent{
		BaseEvent:  events.BaseEvent{EventType: eventType, Time: time.Now()},
		JobID:      job.ID,
		ParentID:   job.ParentID,
		Kind:       string(job.Kind),
		Source:     job.Source,
		Dest:       job.effectiveDest(),
		BytesDone:  done,
		BytesTotal: total,
		Speed:      speed,
		Err:        cause,
	})
}

// invalidateFor announces stale listings after a completed mutation.
func (e *Engine) invalidateFor(job *Job) {
	if e.bus == nil {
		return
	}
	sid := e.sess.ID()
	switch job.Kind {
	case UploadFile, Mkdir:
		e.bus.PublishDirectoryInvalidated(sid, parentDir(job.effectiveDest()))
	case Delete:
		e.bus.PublishDirectoryInvalidated(sid, job.Source)
		e.bus.PublishDirectoryInvalidated(sid, parentDir(job.Source))
	case Rename:
		e.bus.PublishDirectoryInvalidated(sid, parentDir(job.Source))
		e.bus.PublishDirectoryInvalidated(sid, parentDir(job.Dest))
	}
}

func parentDir(p string) string {
	d := path.Dir(strings.ReplaceAll(p, "\\", "/"))
	if d == "." {
		d = "/"
	}
	return d
}

// openLocal opens a local destination through the remote.File interface
// so the copy loop is direction-agnostic.
func openLocal(p string, flags int) (remote.File, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, flags, 0644)
}

func writeAll(w io.Writer, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SortOutcomes orders per-child outcomes for display: failures first,
// then by destination.
func SortOutcomes(s []Snapshot) {
	sort.SliceStable(s, func(i, j int) bool {
		fi := s[i].State == StateFailed
		fj := s[j].State == StateFailed
		if fi != fj {
			return fi
		}
		return s[i].Dest < s[j].Dest
	})
}

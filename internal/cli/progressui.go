package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/ferrydock/ferry/internal/events"
	"github.com/ferrydock/ferry/internal/transfer"
)

// transferUI renders bus events for one enqueued job until it reaches a
// terminal state. Single-file jobs draw one progress bar; directory
// jobs draw a bar per file. It also answers overwrite prompts from the
// terminal.
type transferUI struct {
	eng   *transfer.Engine
	batch bool

	progressCh <-chan events.Event
	doneCh     <-chan events.Event
	failCh     <-chan events.Event
	cancelCh   <-chan events.Event
	decideCh   <-chan events.Event

	bus        *events.Bus
	isTerminal bool

	single *progressbar.ProgressBar
	multi  *mpb.Progress
	bars   map[string]*mpb.Bar
	last   map[string]int64
}

// newTransferUI subscribes before the caller enqueues, so no event is
// missed.
func newTransferUI(bus *events.Bus, eng *transfer.Engine, batch bool) *transferUI {
	u := &transferUI{
		eng:        eng,
		batch:      batch,
		bus:        bus,
		isTerminal: term.IsTerminal(int(os.Stderr.Fd())),
		bars:       make(map[string]*mpb.Bar),
		last:       make(map[string]int64),
		progressCh: bus.Subscribe(events.EventTransferProgress),
		doneCh:     bus.Subscribe(events.EventTransferCompleted),
		failCh:     bus.Subscribe(events.EventTransferFailed),
		cancelCh:   bus.Subscribe(events.EventTransferCancelled),
		decideCh:   bus.Subscribe(events.EventOverwriteDecisionRequested),
	}
	if batch {
		if u.isTerminal {
			u.multi = mpb.New(
				mpb.WithOutput(os.Stderr),
				mpb.WithRefreshRate(300*time.Millisecond),
				mpb.WithWidth(80),
			)
		} else {
			u.multi = mpb.New(mpb.WithOutput(io.Discard))
		}
	}
	return u
}

// Wait blocks until jobID (and, for directory jobs, all its children)
// is terminal. Cancelling ctx cancels the job and keeps waiting for it
// to wind down.
func (u *transferUI) Wait(ctx context.Context, jobID string) (transfer.Snapshot, error) {
	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				_ = u.eng.Cancel(jobID)
			}
		case ev := <-u.progressCh:
			if te, ok := ev.(events.TransferEvent); ok {
				u.onProgress(te, jobID)
			}
		case ev := <-u.doneCh:
			if te, ok := ev.(events.TransferEvent); ok {
				u.onTerminal(te)
				if te.JobID == jobID {
					return u.finish(jobID)
				}
			}
		case ev := <-u.failCh:
			if te, ok := ev.(events.TransferEvent); ok {
				u.onTerminal(te)
				if te.JobID == jobID {
					return u.finish(jobID)
				}
			}
		case ev := <-u.cancelCh:
			if te, ok := ev.(events.TransferEvent); ok {
				u.onTerminal(te)
				if te.JobID == jobID {
					return u.finish(jobID)
				}
			}
		case ev := <-u.decideCh:
			if de, ok := ev.(events.OverwriteDecisionEvent); ok {
				u.onDecision(de)
			}
		}
	}
}

func (u *transferUI) finish(jobID string) (transfer.Snapshot, error) {
	if u.single != nil {
		_ = u.single.Finish()
	}
	if u.multi != nil {
		u.multi.Wait()
	}
	return u.eng.Status(jobID)
}

func (u *transferUI) onProgress(te events.TransferEvent, root string) {
	switch {
	case !u.batch && te.JobID == root:
		if u.single == nil {
			u.single = progressbar.NewOptions64(te.BytesTotal,
				progressbar.OptionSetDescription(te.Source),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(50),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprint(os.Stderr, "\n")
				}),
				progressbar.OptionSetRenderBlankState(true),
			)
		}
		_ = u.single.Set64(te.BytesDone)
	case u.batch && te.ParentID == root:
		bar, ok := u.bars[te.JobID]
		if !ok {
			name := te.Source
			bar = u.multi.AddBar(te.BytesTotal,
				mpb.PrependDecorators(
					decor.Name(name, decor.WCSyncSpaceR),
				),
				mpb.AppendDecorators(
					decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
					decor.Name("  "),
					decor.Percentage(decor.WCSyncSpace),
				),
				mpb.BarRemoveOnComplete(),
			)
			u.bars[te.JobID] = bar
		}
		bar.SetCurrent(te.BytesDone)
		u.last[te.JobID] = te.BytesDone
	}
}

func (u *transferUI) onTerminal(te events.TransferEvent) {
	bar, ok := u.bars[te.JobID]
	if !ok {
		return
	}
	switch te.Type() {
	case events.EventTransferCompleted:
		bar.SetCurrent(te.BytesTotal)
	default:
		bar.Abort(true)
	}
	delete(u.bars, te.JobID)
}

func (u *transferUI) onDecision(de events.OverwriteDecisionEvent) {
	choice, abort, err := promptOverwrite(de.Dest, de.Size)
	if err != nil || abort {
		_ = u.eng.Cancel(de.JobID)
		return
	}
	if err := u.eng.Decide(de.JobID, choice); err != nil {
		fmt.Fprintf(os.Stderr, "decision not applied: %v\n", err)
	}
}

// Close detaches the UI from the bus.
func (u *transferUI) Close() {
	u.bus.Unsubscribe(events.EventTransferProgress, u.progressCh)
	u.bus.Unsubscribe(events.EventTransferCompleted, u.doneCh)
	u.bus.Unsubscribe(events.EventTransferFailed, u.failCh)
	u.bus.Unsubscribe(events.EventTransferCancelled, u.cancelCh)
	u.bus.Unsubscribe(events.EventOverwriteDecisionRequested, u.decideCh)
}

// reportOutcome prints the result of a finished job, including
// per-child outcomes for directory jobs.
func reportOutcome(snap transfer.Snapshot) error {
	if len(snap.Children) > 0 {
		outcomes := snap.Children
		transfer.SortOutcomes(outcomes)
		var failed int
		for _, c := range outcomes {
			switch c.State {
			case transfer.StateFailed:
				failed++
				fmt.Printf("  FAILED  %s: %v\n", c.Dest, c.Err)
			case transfer.StateCancelled:
				fmt.Printf("  CANCELLED  %s\n", c.Dest)
			}
		}
		if failed == 0 && snap.State == transfer.StateCompleted {
			fmt.Printf("Transferred %d entries (%d bytes).\n", len(outcomes), snap.BytesDone)
		}
	}
	switch snap.State {
	case transfer.StateCompleted:
		if snap.Skipped {
			fmt.Printf("Skipped: %s already exists.\n", snap.Dest)
		}
		return nil
	case transfer.StateCancelled:
		return fmt.Errorf("transfer cancelled")
	default:
		return snap.Err
	}
}

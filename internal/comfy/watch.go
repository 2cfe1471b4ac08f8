package comfy

import (
	"context"
	"time"

	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

type Phase string

const (
	PhaseQueued  Phase = "queued"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
)

// Event is one observation of a watched prompt. Done and Failed are
// terminal; the channel closes after either.
type Event struct {
	Phase    Phase
	QueuePos int // valid for PhaseQueued, 1-based
	Media    []transport.Media
	Err      error
}

const (
	pollInterval = time.Second
	// maxPollFailures consecutive transient poll errors give up on the
	// prompt. Short backend hiccups survive, a dead backend does not
	// hold a worker forever.
	maxPollFailures = 10
)

// Watch starts observing a submitted prompt. The first backend probes run
// synchronously under the client's probe timeout, so stream establishment
// cannot overrun the configured deadline; on success a goroutine keeps
// polling until the prompt reaches a terminal phase or ctx is canceled
// (the channel then closes without a terminal event).
func (c *Client) Watch(ctx context.Context, promptID string) (<-chan Event, error) {
	events := make(chan Event, 4)

	probeCtx, cancelProbe := context.WithTimeout(ctx, c.probeTimeout)
	defer cancelProbe()

	media, done, err := c.History(probeCtx, promptID)
	if err != nil && !IsTransient(err) {
		return nil, err
	}
	if done {
		events <- Event{Phase: PhaseDone, Media: media}
		close(events)
		return events, nil
	}

	pos, err := c.QueuePosition(probeCtx, promptID)
	if err != nil {
		return nil, err
	}

	last := Event{Phase: PhaseQueued, QueuePos: -2}
	emit := func(e Event) {
		if e.Phase == last.Phase && e.QueuePos == last.QueuePos {
			return
		}
		last = e
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}
	emit(phaseFromPos(pos))

	go func() {
		defer close(events)
		failures := 0
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			media, done, err := c.History(ctx, promptID)
			if err == nil && done {
				emit(Event{Phase: PhaseDone, Media: media})
				return
			}
			if err == nil {
				pos, err = c.QueuePosition(ctx, promptID)
				if err == nil {
					if pos < 0 {
						// Not in queue and not in history: give the
						// backend one more cycle to write the record.
						failures++
					} else {
						failures = 0
						emit(phaseFromPos(pos))
						continue
					}
				}
			}
			if err != nil {
				if !IsTransient(err) {
					emit(Event{Phase: PhaseFailed, Err: err})
					return
				}
				failures++
				c.log.Debug("poll failed", logx.String("prompt", promptID), logx.Int("failures", failures), logx.Err(err))
			}
			if failures >= maxPollFailures {
				if err == nil {
					err = &ProtocolError{Op: "watch", Detail: "prompt vanished from queue and history"}
				}
				emit(Event{Phase: PhaseFailed, Err: err})
				return
			}
		}
	}()
	return events, nil
}

func phaseFromPos(pos int) Event {
	if pos == 0 {
		return Event{Phase: PhaseRunning}
	}
	if pos > 0 {
		return Event{Phase: PhaseQueued, QueuePos: pos}
	}
	// Unknown yet; report as running so the user sees activity.
	return Event{Phase: PhaseRunning}
}

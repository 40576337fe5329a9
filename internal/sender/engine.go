package sender

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/LordixDemon/toolza-sender/internal/plan"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/transport"
	"github.com/LordixDemon/toolza-sender/internal/wire"
)

// Result is one target's outcome from an Engine run.
type Result struct {
	Target string
	Err    error
}

// Engine fans a single transfer plan out to every target address,
// each on its own goroutine (§4.5 step 2), collecting one Result per
// target without letting one target's failure cancel the others.
type Engine struct {
	Transport transport.Transport
	Targets   []string
	Entries   []plan.Entry
	Config    Config
	Bus       *progress.Bus
}

// Run dials every target concurrently and drives a sender.Session
// against each, reconnecting once on a transport error before giving
// up on that target (§4.5 step 3d).
func (en *Engine) Run(ctx context.Context) []Result {
	results := make([]Result, len(en.Targets))
	var wg sync.WaitGroup
	wg.Add(len(en.Targets))

	for i, target := range en.Targets {
		i, target := i, target
		go func() {
			defer wg.Done()
			results[i] = Result{Target: target, Err: en.runTarget(ctx, target)}
		}()
	}

	wg.Wait()
	return results
}

func (en *Engine) runTarget(ctx context.Context, target string) error {
	if !en.Transport.Reliable() {
		return en.rejectUnreliable(ctx, target)
	}

	startIndex := 0
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		sess, err := en.Transport.Dial(ctx, target)
		if err != nil {
			lastErr = fmt.Errorf("sender: dial %s: %w", target, err)
			slog.Default().Warn("dial failed", "target", target, "attempt", attempt, "err", err)
			continue
		}

		cfg := en.Config
		cfg.StartIndex = startIndex
		session := NewSession(sess, en.Entries, cfg, en.Bus)
		nextIndex, runErr := session.Run(ctx)
		sess.Close()

		if runErr == nil {
			return nil
		}
		lastErr = fmt.Errorf("sender: %s: %w", target, runErr)
		startIndex = nextIndex
		slog.Default().Warn("session failed, will retry once", "target", target, "attempt", attempt, "resume_index", startIndex, "err", runErr)
	}

	return lastErr
}

// rejectUnreliable refuses a file transfer over a substrate that
// doesn't satisfy the reliable-bytestream contract (§4.2, §9): a raw
// UDP target is dialed just long enough to put an ERROR frame on the
// wire before the target is failed, so a receiver listening on the
// other end sees why the connection closed instead of a silent drop.
func (en *Engine) rejectUnreliable(ctx context.Context, target string) error {
	sess, err := en.Transport.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("sender: dial %s: %w", target, err)
	}
	defer sess.Close()
	if err := wire.WriteFrame(sess, wire.ErrorMsg{
		Code:    wire.CodeTransportNotReliable,
		Message: "file transfer requires a reliable transport",
	}); err != nil {
		slog.Default().Warn("failed to send transport-not-reliable ERROR", "target", target, "err", err)
	}
	return fmt.Errorf("sender: %s: %w", target, transport.ErrNotReliable)
}

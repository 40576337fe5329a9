// Package integration exercises the sender and receiver state
// machines together over an in-process transport, the way the
// protocol's own loopback scenarios (§8) describe.
package integration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LordixDemon/toolza-sender/internal/plan"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/receiver"
	"github.com/LordixDemon/toolza-sender/internal/sender"
	"github.com/LordixDemon/toolza-sender/internal/transport"
)

// countingSession wraps a transport.Session to tally bytes written to
// the wire, so a resume test can confirm the second attempt sent far
// fewer bytes than the full file size instead of just checking the
// final content is correct (which a full retransmit would also pass).
type countingSession struct {
	transport.Session
	written *int64
}

func (c *countingSession) Write(p []byte) (int, error) {
	n, err := c.Session.Write(p)
	atomic.AddInt64(c.written, int64(n))
	return n, err
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func runPair(t *testing.T, entries []plan.Entry, senderCfg sender.Config, saveDir string) error {
	t.Helper()
	a, b := transport.NewMemoryPair()
	bus := progress.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rxDone := make(chan error, 1)
	go func() {
		rxDone <- receiver.RunConnection(ctx, b, true, receiver.Config{SaveDir: saveDir}, bus)
	}()

	txSession := sender.NewSession(a, entries, senderCfg, bus)
	_, txErr := txSession.Run(ctx)
	rxErr := <-rxDone

	if txErr != nil {
		return txErr
	}
	return rxErr
}

func TestLoopbackFullTransferMatchesDigest(t *testing.T) {
	srcDir := t.TempDir()
	saveDir := t.TempDir()

	writeFile(t, filepath.Join(srcDir, "a", "b.txt"), []byte("0123456789"))
	writeFile(t, filepath.Join(srcDir, "a", "c", "d.txt"), nil)

	entries, err := plan.Build([]string{filepath.Join(srcDir, "a")}, plan.Options{})
	if err != nil {
		t.Fatalf("plan.Build: %v", err)
	}

	if err := runPair(t, entries, sender.Config{}, saveDir); err != nil {
		t.Fatalf("runPair: %v", err)
	}

	for _, e := range entries {
		want, err := os.ReadFile(e.AbsolutePath)
		if err != nil {
			t.Fatalf("ReadFile source %s: %v", e.AbsolutePath, err)
		}
		got, err := os.ReadFile(filepath.Join(saveDir, filepath.FromSlash(e.RelativePath)))
		if err != nil {
			t.Fatalf("ReadFile received %s: %v", e.RelativePath, err)
		}
		if sha256.Sum256(want) != sha256.Sum256(got) {
			t.Fatalf("digest mismatch for %s", e.RelativePath)
		}
	}
}

func TestLoopbackSyncModeSkipsUnchangedFiles(t *testing.T) {
	srcDir := t.TempDir()
	saveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "only.txt"), []byte("unchanged content"))

	entries, err := plan.Build([]string{srcDir}, plan.Options{})
	if err != nil {
		t.Fatalf("plan.Build: %v", err)
	}

	if err := runPair(t, entries, sender.Config{}, saveDir); err != nil {
		t.Fatalf("first transfer: %v", err)
	}

	var progressed int
	a, b := transport.NewMemoryPair()
	bus := progress.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()
	go func() {
		for e := range events {
			if e.Kind == progress.Progress {
				progressed++
			}
		}
	}()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxCancel()
	rxDone := make(chan error, 1)
	go func() {
		rxDone <- receiver.RunConnection(ctx, b, true, receiver.Config{SaveDir: saveDir}, bus)
	}()
	txSession := sender.NewSession(a, entries, sender.Config{Sync: true}, bus)
	if _, err := txSession.Run(ctx); err != nil {
		t.Fatalf("second (sync) transfer: %v", err)
	}
	if err := <-rxDone; err != nil {
		t.Fatalf("receiver: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if progressed != 0 {
		t.Fatalf("expected no Progress events (no CHUNK frames sent) under sync mode, got %d", progressed)
	}
}

func TestLoopbackPathTraversalRejected(t *testing.T) {
	srcDir := t.TempDir()
	saveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "evil.txt"), []byte("payload"))

	entries, err := plan.Build([]string{filepath.Join(srcDir, "evil.txt")}, plan.Options{})
	if err != nil {
		t.Fatalf("plan.Build: %v", err)
	}
	entries[0].RelativePath = "../escape.txt"

	if err := runPair(t, entries, sender.Config{}, saveDir); err == nil {
		t.Fatal("expected path traversal to be rejected by the receiver")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(saveDir), "escape.txt")); err == nil {
		t.Fatal("path traversal must not have written a file outside save_dir")
	}
}

func TestLoopbackMultiTargetFanOutSurvivesOneTargetFailure(t *testing.T) {
	srcDir := t.TempDir()
	saveDirGood := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "f.txt"), []byte("fan-out payload"))

	entries, err := plan.Build([]string{filepath.Join(srcDir, "f.txt")}, plan.Options{})
	if err != nil {
		t.Fatalf("plan.Build: %v", err)
	}

	good, goodPeer := transport.NewMemoryPair()
	bad, badPeer := transport.NewMemoryPair()
	badPeer.Close() // sever this target before use

	bus := progress.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rxDone := make(chan error, 1)
	go func() {
		rxDone <- receiver.RunConnection(ctx, goodPeer, true, receiver.Config{SaveDir: saveDirGood}, bus)
	}()

	goodSession := sender.NewSession(good, entries, sender.Config{}, bus)
	_, goodErr := goodSession.Run(ctx)
	if goodErr != nil {
		t.Fatalf("expected the surviving target to complete, got %v", goodErr)
	}
	if err := <-rxDone; err != nil {
		t.Fatalf("receiver on surviving target: %v", err)
	}

	badSession := sender.NewSession(bad, entries, sender.Config{}, bus)
	if _, err := badSession.Run(ctx); err == nil {
		t.Fatal("expected the severed target's session to fail")
	}

	got, err := os.ReadFile(filepath.Join(saveDirGood, "f.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "fan-out payload" {
		t.Fatalf("got %q", got)
	}
}

// TestLoopbackResumesInterruptedTransfer covers §8 scenario 2: a
// partially-received file on disk (standing in for a kill mid-
// transfer) must be resumed from its existing prefix rather than
// retransmitted from byte 0, and the finished file's digest must
// match the source.
func TestLoopbackResumesInterruptedTransfer(t *testing.T) {
	srcDir := t.TempDir()
	saveDir := t.TempDir()

	const fileSize = 200_000
	const alreadyHave = 80_000
	content := bytes.Repeat([]byte("0123456789abcdef"), fileSize/16)
	writeFile(t, filepath.Join(srcDir, "big.bin"), content)
	writeFile(t, filepath.Join(saveDir, "big.bin"), content[:alreadyHave])

	entries, err := plan.Build([]string{filepath.Join(srcDir, "big.bin")}, plan.Options{})
	if err != nil {
		t.Fatalf("plan.Build: %v", err)
	}

	a, b := transport.NewMemoryPair()
	var written int64
	countedA := &countingSession{Session: a, written: &written}

	bus := progress.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rxDone := make(chan error, 1)
	go func() {
		rxDone <- receiver.RunConnection(ctx, b, true, receiver.Config{SaveDir: saveDir}, bus)
	}()

	txSession := sender.NewSession(countedA, entries, sender.Config{}, bus)
	if _, err := txSession.Run(ctx); err != nil {
		t.Fatalf("sender.Run: %v", err)
	}
	if err := <-rxDone; err != nil {
		t.Fatalf("receiver: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(saveDir, "big.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if sha256.Sum256(got) != sha256.Sum256(content) {
		t.Fatal("resumed file digest does not match source")
	}

	remaining := int64(fileSize - alreadyHave)
	if written > remaining+int64(20_000) {
		t.Fatalf("wrote %d bytes over the wire, expected close to the %d unsent bytes (resume did not take effect)", written, remaining)
	}
}

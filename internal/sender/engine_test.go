package sender

import (
	"context"
	"errors"
	"testing"

	"github.com/LordixDemon/toolza-sender/internal/plan"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/transport"
	"github.com/LordixDemon/toolza-sender/internal/wire"
)

// unreliableStub stands in for the raw UDP driver (Reliable() == false)
// without opening a real socket: Dial hands back one half of an
// in-memory pair and publishes the other half so the test can inspect
// what, if anything, was written to the wire.
type unreliableStub struct {
	peer chan transport.Session
}

func (u unreliableStub) Name() string   { return "stub-udp" }
func (u unreliableStub) Reliable() bool { return false }

func (u unreliableStub) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	return nil, errors.New("unreliableStub: Listen not used by this test")
}

func (u unreliableStub) Dial(ctx context.Context, addr string) (transport.Session, error) {
	a, b := transport.NewMemoryPair()
	u.peer <- b
	return a, nil
}

// TestEngineRejectsUnreliableTransport covers §4.2/§9: a file transfer
// must never run over a transport whose Reliable() reports false, and
// the target must see an ERROR frame rather than a silently dropped
// connection.
func TestEngineRejectsUnreliableTransport(t *testing.T) {
	bus := progress.NewBus()
	defer bus.Close()

	peerCh := make(chan transport.Session, 1)
	engine := &Engine{
		Transport: unreliableStub{peer: peerCh},
		Targets:   []string{"stub:1"},
		Entries:   []plan.Entry{{RelativePath: "a.txt", Size: 10}},
		Bus:       bus,
	}

	resultsCh := make(chan []Result, 1)
	go func() { resultsCh <- engine.Run(context.Background()) }()

	peer := <-peerCh
	msg, err := wire.ReadFrame(peer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	errMsg, ok := msg.(wire.ErrorMsg)
	if !ok {
		t.Fatalf("expected ERROR frame, got %s", msg.Tag())
	}
	if errMsg.Code != wire.CodeTransportNotReliable {
		t.Fatalf("expected CodeTransportNotReliable, got %d", errMsg.Code)
	}

	results := <-resultsCh
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !errors.Is(results[0].Err, transport.ErrNotReliable) {
		t.Fatalf("expected ErrNotReliable, got %v", results[0].Err)
	}
}

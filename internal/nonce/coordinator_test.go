package nonce

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/gateway-fm/rpctester/internal/chain"
)

type fakeSource struct {
	id    chain.Identity
	seed  uint64
	err   error
	block chan struct{} // When set, NextAccountIndex waits on it

	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Identity() chain.Identity { return f.id }

func (f *fakeSource) NextAccountIndex(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.seed, f.err
}

func (f *fakeSource) seedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var devChain = chain.Identity{SpecName: "eip155", SpecVersion: 31337}

const alice = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestAcquireSeedsAndAdvances(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	src := &fakeSource{id: devChain, seed: 5}
	ctx := context.Background()

	first, err := c.Acquire(ctx, src, alice)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Commit(ctx, src, alice, first); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	second, err := c.Acquire(ctx, src, alice)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Commit(ctx, src, alice, second); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if first != 5 || second != 6 {
		t.Errorf("got nonces %d, %d; want 5, 6", first, second)
	}
	if n, _ := c.Peek(KeyFor(src, alice)); n != 7 {
		t.Errorf("table = %d, want 7", n)
	}
	if src.seedCalls() != 1 {
		t.Errorf("chain queried %d times, want 1", src.seedCalls())
	}
}

func TestAcquireConcurrentIsContiguous(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	src := &fakeSource{id: devChain, seed: 100}

	const workers = 20
	got := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := c.Acquire(context.Background(), src, alice)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			got[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		if n != uint64(100+i) {
			t.Fatalf("nonces not contiguous: %v", got)
		}
	}
}

func TestAccountKeyIsCaseInsensitive(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	src := &fakeSource{id: devChain, seed: 1}
	ctx := context.Background()

	a, _ := c.Acquire(ctx, src, alice)
	b, _ := c.Acquire(ctx, src, "0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266")
	if a != 1 || b != 2 {
		t.Errorf("got %d, %d; want 1, 2", a, b)
	}
}

func TestDifferentChainsAreSeparate(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	ctx := context.Background()

	devnet := &fakeSource{id: devChain, seed: 3}
	testnet := &fakeSource{id: chain.Identity{SpecName: "eip155", SpecVersion: 11155111}, seed: 40}

	a, _ := c.Acquire(ctx, devnet, alice)
	b, _ := c.Acquire(ctx, testnet, alice)
	if a != 3 || b != 40 {
		t.Errorf("got %d, %d; want 3, 40", a, b)
	}
	if len(c.Snapshot()) != 2 {
		t.Errorf("expected 2 keys, got %d", len(c.Snapshot()))
	}
}

func TestSeedErrorLeavesTableUnchanged(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	src := &fakeSource{id: devChain, err: errors.New("node down")}

	if _, err := c.Acquire(context.Background(), src, alice); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := c.Peek(KeyFor(src, alice)); ok {
		t.Error("table should not contain the key")
	}
}

func TestLockTimeout(t *testing.T) {
	c := New(Config{LockTimeout: 50 * time.Millisecond, Logger: slogt.New(t)})
	slow := &fakeSource{id: devChain, seed: 9, block: make(chan struct{})}
	ctx := context.Background()

	holderDone := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, slow, alice)
		holderDone <- err
	}()

	// Wait until the holder is inside the critical section.
	deadline := time.Now().Add(time.Second)
	for slow.seedCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	other := &fakeSource{id: devChain, seed: 9}
	_, err := c.Acquire(ctx, other, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	var lte *LockTimeoutError
	if !errors.As(err, &lte) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected error to wrap context.DeadlineExceeded")
	}
	if _, ok := c.Peek(KeyFor(other, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")); ok {
		t.Error("timed out caller must not change the table")
	}

	close(slow.block)
	if err := <-holderDone; err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
}

func TestCallerCancellationIsNotLockTimeout(t *testing.T) {
	c := New(Config{LockTimeout: time.Second, Logger: slogt.New(t)})
	src := &fakeSource{id: devChain, seed: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Acquire(ctx, src, alice)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var lte *LockTimeoutError
	if errors.As(err, &lte) {
		t.Error("cancellation reported as lock timeout")
	}
}

func TestCommitNeverMovesBackwards(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	src := &fakeSource{id: devChain, seed: 10}
	ctx := context.Background()
	key := KeyFor(src, alice)

	for i := 0; i < 3; i++ {
		if _, err := c.Acquire(ctx, src, alice); err != nil {
			t.Fatal(err)
		}
	}
	// Out-of-order commit of an older number.
	if err := c.Commit(ctx, src, alice, 10); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Peek(key); n != 13 {
		t.Errorf("table = %d, want 13", n)
	}

	// Commit on an unseen key records used+1.
	if err := c.Commit(ctx, src, "0xabc", 4); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Peek(KeyFor(src, "0xabc")); n != 5 {
		t.Errorf("table = %d, want 5", n)
	}
}

func TestReleaseOnlyReturnsLastIssued(t *testing.T) {
	var logs bytes.Buffer
	c := New(Config{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	src := &fakeSource{id: devChain, seed: 0}
	ctx := context.Background()
	key := KeyFor(src, alice)

	a, _ := c.Acquire(ctx, src, alice)
	b, _ := c.Acquire(ctx, src, alice)

	// a is no longer the last issued; releasing it is a no-op.
	if err := c.Release(ctx, src, alice, a); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Peek(key); n != 2 {
		t.Errorf("table = %d, want 2", n)
	}
	if out := logs.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "nonce=0") || !strings.Contains(out, "next=2") {
		t.Errorf("expected a gap warning for nonce 0, got %q", out)
	}

	logs.Reset()
	if err := c.Release(ctx, src, alice, b); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Peek(key); n != 1 {
		t.Errorf("table = %d, want 1", n)
	}
	if logs.Len() != 0 {
		t.Errorf("release of the last issued nonce logged %q", logs.String())
	}
}

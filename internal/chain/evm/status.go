package evm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/rpctester/internal/command"
)

// ErrReverted is the failure of a mined transaction whose receipt status is 0.
var ErrReverted = errors.New("transaction reverted")

// submission follows one transaction until it is finalized, fails or the
// caller unsubscribes.
type submission struct {
	hash   common.Hash
	events chan command.StatusEvent
	cancel context.CancelFunc
	once   sync.Once
}

var _ command.Submission = (*submission)(nil)

func (s *submission) Hash() string {
	return s.hash.Hex()
}

func (s *submission) Status() <-chan command.StatusEvent {
	return s.events
}

func (s *submission) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (c *Conn) follow(ctx context.Context, hash common.Hash) *submission {
	ctx, cancel := context.WithCancel(ctx)
	s := &submission{
		hash:   hash,
		events: make(chan command.StatusEvent, 2),
		cancel: cancel,
	}
	go c.watch(ctx, s)
	return s
}

func (c *Conn) watch(ctx context.Context, s *submission) {
	defer close(s.events)

	ticks := c.heads(ctx)
	var included *types.Receipt

	for {
		if c.advance(ctx, s, &included) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}
	}
}

// advance checks the chain once and reports whether the stream is done.
func (c *Conn) advance(ctx context.Context, s *submission, included **types.Receipt) bool {
	if *included == nil {
		receipt, err := c.ec.TransactionReceipt(ctx, s.hash)
		if errors.Is(err, ethereum.NotFound) {
			return false
		}
		if err != nil {
			c.logger.Debug("Receipt lookup failed", slog.String("hash", s.hash.Hex()), slog.String("error", err.Error()))
			return false
		}

		event := command.StatusEvent{
			BlockHash:   receipt.BlockHash.Hex(),
			BlockNumber: receipt.BlockNumber.Uint64(),
		}
		if receipt.Status == types.ReceiptStatusFailed {
			event.Kind = command.StatusFailed
			event.Err = ErrReverted
			emit(ctx, s, event)
			return true
		}

		event.Kind = command.StatusInBlock
		if !emit(ctx, s, event) {
			return true
		}
		*included = receipt
	}

	head, err := c.finalizedHeader(ctx)
	if err != nil {
		c.logger.Debug("Finalized head lookup failed", slog.String("error", err.Error()))
		return false
	}
	if head.Number.Cmp((*included).BlockNumber) < 0 {
		return false
	}

	emit(ctx, s, command.StatusEvent{
		Kind:        command.StatusFinalized,
		BlockHash:   (*included).BlockHash.Hex(),
		BlockNumber: (*included).BlockNumber.Uint64(),
	})
	return true
}

func emit(ctx context.Context, s *submission, event command.StatusEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// heads ticks on every new head. It subscribes when the transport allows
// it and polls otherwise, also after a dropped subscription.
func (c *Conn) heads(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	notify := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	headers := make(chan *types.Header, 16)
	sub, err := c.ec.SubscribeNewHead(ctx, headers)

	go func() {
		var errc <-chan error
		var tick <-chan time.Time
		var ticker *time.Ticker

		startPolling := func() {
			ticker = time.NewTicker(c.pollInterval)
			tick = ticker.C
		}

		if err == nil {
			errc = sub.Err()
			defer sub.Unsubscribe()
		} else {
			startPolling()
		}
		defer func() {
			if ticker != nil {
				ticker.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-headers:
				notify()
			case <-tick:
				notify()
			case subErr := <-errc:
				c.logger.Debug("Head subscription ended, polling", slog.Any("error", subErr))
				errc = nil
				startPolling()
			}
		}
	}()

	return out
}

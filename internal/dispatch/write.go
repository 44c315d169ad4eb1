package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/rpctester/internal/command"
	"github.com/gateway-fm/rpctester/internal/keyring"
	"github.com/gateway-fm/rpctester/internal/script"
	"github.com/gateway-fm/rpctester/pkg/types"
)

// write signs and submits one write entry, then waits per the confirm
// policy. The nonce is committed as soon as the node accepts the
// submission and is released when anything before acceptance fails. A
// non-nil receipt is returned whenever the submission was accepted.
func (r *run) write(ctx context.Context, e script.Entry) (*WriteReceipt, error) {
	if e.Signer == "" {
		return nil, &MissingSignerError{Path: e.Path}
	}
	signer, err := r.signer(e.Signer)
	if err != nil {
		return nil, err
	}

	conn := r.slot.Connection
	account := signer.AddressHex()
	n, err := r.d.coord.Acquire(ctx, conn, account)
	if err != nil {
		return nil, fmt.Errorf("%s: acquire nonce for %s: %w", e.Path, e.Signer, err)
	}

	sub, path, err := r.submit(ctx, e, signer, n)
	if err != nil {
		if rerr := r.d.coord.Release(context.WithoutCancel(ctx), conn, account, n); rerr != nil {
			r.logger.Warn("Nonce release failed",
				slog.String("account", account),
				slog.Uint64("nonce", n),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, err
	}

	if cerr := r.d.coord.Commit(context.WithoutCancel(ctx), conn, account, n); cerr != nil {
		r.logger.Warn("Nonce commit failed",
			slog.String("account", account),
			slog.Uint64("nonce", n),
			slog.String("error", cerr.Error()),
		)
	}

	receipt := &WriteReceipt{Hash: sub.Hash(), Nonce: n, Status: WriteSubmitted}
	r.logger.Debug("Write submitted",
		slog.String("path", path),
		slog.String("signer", e.Signer),
		slog.Uint64("nonce", n),
		slog.String("hash", receipt.Hash),
	)

	if r.d.policy == types.WaitNone {
		sub.Unsubscribe()
		return receipt, nil
	}

	ev, err := r.await(ctx, sub)
	if ev.BlockHash != "" {
		receipt.BlockHash = ev.BlockHash
		receipt.BlockNumber = ev.BlockNumber
	}
	if err != nil {
		return receipt, &command.SubmissionError{Path: path, Err: err}
	}
	receipt.Status = ev.Kind.String()
	return receipt, nil
}

// submit resolves the call and hands the signed operation to the node.
func (r *run) submit(ctx context.Context, e script.Entry, signer *keyring.Signer, n uint64) (command.Submission, string, error) {
	call, err := command.Resolve(r.slot.Connection.Capabilities(), e.Path)
	if err != nil {
		return nil, "", err
	}
	if !call.Handler.IsWrite() {
		return nil, "", fmt.Errorf("%s: %w: read paths cannot be signed", e.Path, ErrWriteAsRead)
	}

	sub, err := call.Handler.Write(ctx, command.WriteRequest{
		Params: command.TransformParams(e.Params, r.named),
		Signer: signer,
		Nonce:  n,
	})
	if err == nil && sub == nil {
		err = errors.New("handler returned no submission")
	}
	if err != nil {
		var serr *command.SubmissionError
		if !errors.As(err, &serr) {
			err = &command.SubmissionError{Path: call.Path, Err: err}
		}
		return nil, call.Path, err
	}
	return sub, call.Path, nil
}

// await follows the status stream until the confirm policy is satisfied.
// A finalized event satisfies inBlock.
func (r *run) await(ctx context.Context, sub command.Submission) (command.StatusEvent, error) {
	defer sub.Unsubscribe()

	if r.d.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.d.waitTimeout)
		defer cancel()
	}

	var last command.StatusEvent
	for {
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("await %s: %w", r.d.policy, ctx.Err())
		case ev, ok := <-sub.Status():
			if !ok {
				return last, ErrStreamClosed
			}
			switch ev.Kind {
			case command.StatusFailed:
				if ev.Err == nil {
					return ev, errors.New("operation failed on chain")
				}
				return ev, ev.Err
			case command.StatusFinalized:
				return ev, nil
			case command.StatusInBlock:
				last = ev
				if r.d.policy == types.WaitInBlock {
					return ev, nil
				}
			}
		}
	}
}

// signer resolves a signer reference once per connection.
func (r *run) signer(ref string) (*keyring.Signer, error) {
	if s, ok := r.cache[ref]; ok {
		return s, nil
	}
	if r.d.keyring == nil {
		if !keyring.IsCredential(ref) {
			return nil, &keyring.UnknownSignerError{Name: ref}
		}
		s, err := keyring.ResolveByCredential("", ref)
		if err != nil {
			return nil, err
		}
		r.cache[ref] = s
		return s, nil
	}
	s, err := r.d.keyring.Resolve(ref)
	if err != nil {
		return nil, err
	}
	r.cache[ref] = s
	return s, nil
}

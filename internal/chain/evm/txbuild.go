package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/rpctester/internal/command"
)

// ErrNoSigner is returned when a write handler is invoked without a signer.
var ErrNoSigner = errors.New("write requires a signer")

// call is the unsigned intent of a write entry.
type call struct {
	to    common.Address
	value *big.Int
	data  []byte
}

// txBuilder turns transformed call arguments into a call from sender.
type txBuilder func(params []any, from common.Address) (call, error)

func buildTransfer(params []any, _ common.Address) (call, error) {
	to, err := addressParam(params, 0, "dest")
	if err != nil {
		return call{}, err
	}
	amount, err := bigParam(params, 1, "amount")
	if err != nil {
		return call{}, err
	}
	return call{to: to, value: amount}, nil
}

// buildRemark is a zero-value self transfer carrying the data.
func buildRemark(params []any, from common.Address) (call, error) {
	data, err := bytesParam(params, 0, "data")
	if err != nil {
		return call{}, err
	}
	return call{to: from, value: new(big.Int), data: data}, nil
}

func buildERC20Transfer(params []any, _ common.Address) (call, error) {
	return buildERC20("transfer", params)
}

func buildERC20Approve(params []any, _ common.Address) (call, error) {
	return buildERC20("approve", params)
}

func buildERC20(method string, params []any) (call, error) {
	token, err := addressParam(params, 0, "token")
	if err != nil {
		return call{}, err
	}
	target, err := addressParam(params, 1, "to")
	if err != nil {
		return call{}, err
	}
	amount, err := bigParam(params, 2, "amount")
	if err != nil {
		return call{}, err
	}
	data, err := erc20ABI.Pack(method, target, amount)
	if err != nil {
		return call{}, fmt.Errorf("encode %s: %w", method, err)
	}
	return call{to: token, value: new(big.Int), data: data}, nil
}

func buildCall(params []any, _ common.Address) (call, error) {
	to, err := addressParam(params, 0, "to")
	if err != nil {
		return call{}, err
	}
	data, err := bytesParam(params, 1, "data")
	if err != nil {
		return call{}, err
	}
	value, err := optionalBigParam(params, 2, "value")
	if err != nil {
		return call{}, err
	}
	return call{to: to, value: value, data: data}, nil
}

// writer binds a builder to this connection: build, price, sign, submit,
// then follow the submission.
func (c *Conn) writer(path string, build txBuilder) command.WriteFunc {
	return func(ctx context.Context, req command.WriteRequest) (command.Submission, error) {
		if req.Signer == nil {
			return nil, ErrNoSigner
		}
		from := req.Signer.Address

		intent, err := build(req.Params, from)
		if err != nil {
			return nil, err
		}

		tx, err := c.newTx(ctx, from, req.Nonce, intent)
		if err != nil {
			return nil, &command.SubmissionError{Path: path, Err: err}
		}

		signed, err := req.Signer.SignTx(tx, c.chainID)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", path, err)
		}

		if err := c.ec.SendTransaction(ctx, signed); err != nil {
			return nil, &command.SubmissionError{Path: path, Err: err}
		}

		c.logger.Debug("Transaction submitted",
			slog.String("path", path),
			slog.String("hash", signed.Hash().Hex()),
			slog.Uint64("nonce", req.Nonce),
		)

		return c.follow(ctx, signed.Hash()), nil
	}
}

// newTx prices the call. EIP-1559 is used when the latest header carries a
// base fee; otherwise a legacy transaction with the suggested gas price.
func (c *Conn) newTx(ctx context.Context, from common.Address, nonce uint64, intent call) (*types.Transaction, error) {
	gas, err := c.ec.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &intent.to,
		Value: intent.value,
		Data:  intent.data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	head, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := c.ec.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &intent.to,
			Value:    intent.value,
			Data:     intent.data,
		}), nil
	}

	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &intent.to,
		Value:     intent.value,
		Data:      intent.data,
	}), nil
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

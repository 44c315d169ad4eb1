package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gateway-fm/rpctester/internal/command"
)

// capabilities builds the call tree of this connection. Every connection
// gets the same table; handlers close over the connection.
func (c *Conn) capabilities() *command.Registry {
	r := command.NewRegistry()

	// rpc.<namespace>.<method> passes through as <namespace>_<method>.
	r.RegisterDynamic("rpc", c.passthrough)

	reads := map[string]command.ReadFunc{
		"chain.getBlock":         c.getBlock,
		"chain.getBlockHash":     c.getBlockHash,
		"chain.getHeader":        c.getHeader,
		"chain.getFinalizedHead": c.getFinalizedHead,
		"system.chain":           c.systemChain,
		"system.version":         c.systemVersion,
		"system.health":          c.systemHealth,
		"query.system.account":   c.queryAccount,
		"query.erc20.balanceOf":  c.queryERC20Balance,
	}
	for path, fn := range reads {
		r.Register(path, command.Handler{Read: fn})
	}

	writes := map[string]txBuilder{
		"tx.balances.transfer":          buildTransfer,
		"tx.balances.transferKeepAlive": buildTransfer,
		"tx.system.remark":              buildRemark,
		"tx.erc20.transfer":             buildERC20Transfer,
		"tx.erc20.approve":              buildERC20Approve,
		"tx.evm.call":                   buildCall,
	}
	for path, build := range writes {
		r.Register(path, command.Handler{Write: c.writer(path, build)})
	}

	return r
}

func (c *Conn) passthrough(rest []string) (command.Handler, bool) {
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return command.Handler{}, false
	}
	method := rest[0] + "_" + rest[1]
	return command.Handler{Read: func(ctx context.Context, params []any) (any, error) {
		var raw json.RawMessage
		if err := c.rc.CallContext(ctx, &raw, method, params...); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return raw, nil
	}}, true
}

func (c *Conn) rawBlock(ctx context.Context, ref rpc.BlockNumberOrHash) (json.RawMessage, error) {
	var raw json.RawMessage
	var err error
	if hash, ok := ref.Hash(); ok {
		err = c.rc.CallContext(ctx, &raw, "eth_getBlockByHash", hash, false)
	} else {
		num, _ := ref.Number()
		err = c.rc.CallContext(ctx, &raw, "eth_getBlockByNumber", num, false)
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("block %s: %w", ref.String(), ethereum.NotFound)
	}
	return raw, nil
}

func (c *Conn) getBlock(ctx context.Context, params []any) (any, error) {
	ref, err := blockRefParam(params, 0)
	if err != nil {
		return nil, err
	}
	return c.rawBlock(ctx, ref)
}

func (c *Conn) getBlockHash(ctx context.Context, params []any) (any, error) {
	ref, err := blockRefParam(params, 0)
	if err != nil {
		return nil, err
	}
	raw, err := c.rawBlock(ctx, ref)
	if err != nil {
		return nil, err
	}
	var block struct {
		Hash common.Hash `json:"hash"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return block.Hash.Hex(), nil
}

func (c *Conn) getHeader(ctx context.Context, params []any) (any, error) {
	ref, err := blockRefParam(params, 0)
	if err != nil {
		return nil, err
	}
	if hash, ok := ref.Hash(); ok {
		return c.ec.HeaderByHash(ctx, hash)
	}
	num, _ := ref.Number()
	return c.ec.HeaderByNumber(ctx, big.NewInt(num.Int64()))
}

func (c *Conn) finalizedHeader(ctx context.Context) (*types.Header, error) {
	return c.ec.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
}

func (c *Conn) getFinalizedHead(ctx context.Context, _ []any) (any, error) {
	head, err := c.finalizedHeader(ctx)
	if err != nil {
		return nil, err
	}
	return head.Hash().Hex(), nil
}

func (c *Conn) systemChain(context.Context, []any) (any, error) {
	return SpecName + ":" + c.chainID.String(), nil
}

func (c *Conn) systemVersion(ctx context.Context, _ []any) (any, error) {
	var version string
	if err := c.rc.CallContext(ctx, &version, "web3_clientVersion"); err != nil {
		return nil, err
	}
	return version, nil
}

func (c *Conn) systemHealth(ctx context.Context, _ []any) (any, error) {
	peers, err := c.ec.PeerCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("peer count: %w", err)
	}
	progress, err := c.ec.SyncProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync progress: %w", err)
	}
	return map[string]any{
		"peers":     peers,
		"isSyncing": progress != nil,
	}, nil
}

func (c *Conn) queryAccount(ctx context.Context, params []any) (any, error) {
	addr, err := addressParam(params, 0, "account")
	if err != nil {
		return nil, err
	}
	nonce, err := c.ec.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, err
	}
	balance, err := c.ec.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"nonce":   nonce,
		"balance": balance.String(),
	}, nil
}

func (c *Conn) queryERC20Balance(ctx context.Context, params []any) (any, error) {
	token, err := addressParam(params, 0, "token")
	if err != nil {
		return nil, err
	}
	owner, err := addressParam(params, 1, "owner")
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected %T", values[0])
	}
	return balance.String(), nil
}

// erc20ABI covers the calls exposed under query.erc20 and tx.erc20.
var erc20ABI = mustParseABI(`[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`)

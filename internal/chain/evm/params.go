package evm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrMissingParam is returned when a required call argument is absent.
var ErrMissingParam = errors.New("missing parameter")

// ParamError reports a call argument that could not be coerced.
type ParamError struct {
	Index int
	Name  string
	Err   error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("param %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *ParamError) Unwrap() error {
	return e.Err
}

func param(params []any, i int) (any, bool) {
	if i >= len(params) || params[i] == nil {
		return nil, false
	}
	return params[i], true
}

func addressParam(params []any, i int, name string) (common.Address, error) {
	v, ok := param(params, i)
	if !ok {
		return common.Address{}, &ParamError{Index: i, Name: name, Err: ErrMissingParam}
	}
	s, ok := v.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, &ParamError{Index: i, Name: name, Err: fmt.Errorf("not an address: %v", v)}
	}
	return common.HexToAddress(s), nil
}

// bigParam accepts JSON numbers, decimal strings and 0x-prefixed hex.
func bigParam(params []any, i int, name string) (*big.Int, error) {
	v, ok := param(params, i)
	if !ok {
		return nil, &ParamError{Index: i, Name: name, Err: ErrMissingParam}
	}
	n, err := toBig(v)
	if err != nil {
		return nil, &ParamError{Index: i, Name: name, Err: err}
	}
	if n.Sign() < 0 {
		return nil, &ParamError{Index: i, Name: name, Err: fmt.Errorf("negative amount %s", n)}
	}
	return n, nil
}

// optionalBigParam returns zero when the argument is absent.
func optionalBigParam(params []any, i int, name string) (*big.Int, error) {
	if _, ok := param(params, i); !ok {
		return new(big.Int), nil
	}
	return bigParam(params, i, name)
}

func toBig(v any) (*big.Int, error) {
	switch val := v.(type) {
	case json.Number:
		return parseBig(val.String())
	case string:
		return parseBig(val)
	case float64:
		if val != math.Trunc(val) {
			return nil, fmt.Errorf("not an integer: %v", val)
		}
		n, _ := new(big.Float).SetFloat64(val).Int(nil)
		return n, nil
	case int:
		return big.NewInt(int64(val)), nil
	case int64:
		return big.NewInt(val), nil
	case uint64:
		return new(big.Int).SetUint64(val), nil
	case *big.Int:
		return new(big.Int).Set(val), nil
	default:
		return nil, fmt.Errorf("unsupported amount type %T", v)
	}
}

func parseBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}

// bytesParam decodes 0x-prefixed hex; any other string is taken as UTF-8.
func bytesParam(params []any, i int, name string) ([]byte, error) {
	v, ok := param(params, i)
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &ParamError{Index: i, Name: name, Err: fmt.Errorf("unsupported data type %T", v)}
	}
	if strings.HasPrefix(s, "0x") {
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, &ParamError{Index: i, Name: name, Err: err}
		}
		return b, nil
	}
	return []byte(s), nil
}

// blockRefParam accepts a block number, a tag (latest, finalized, ...) or a
// block hash. Absent means latest.
func blockRefParam(params []any, i int) (rpc.BlockNumberOrHash, error) {
	v, ok := param(params, i)
	if !ok {
		return rpc.BlockNumberOrHashWithNumber(rpc.LatestBlockNumber), nil
	}

	var raw string
	switch val := v.(type) {
	case json.Number:
		raw = val.String()
	case float64:
		raw = strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		raw = strconv.Itoa(val)
	case string:
		raw = val
	default:
		return rpc.BlockNumberOrHash{}, &ParamError{Index: i, Name: "block", Err: fmt.Errorf("unsupported block reference %T", v)}
	}

	if n, err := strconv.ParseUint(raw, 10, 63); err == nil {
		return rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(n)), nil
	}

	var ref rpc.BlockNumberOrHash
	if err := ref.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
		return rpc.BlockNumberOrHash{}, &ParamError{Index: i, Name: "block", Err: err}
	}
	return ref, nil
}

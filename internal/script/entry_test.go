package script

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Entry
	}{
		{
			name: "bare string",
			raw:  "api.chain.getBlock",
			want: Entry{Kind: KindBare, Path: "api.chain.getBlock"},
		},
		{
			name: "read object",
			raw:  map[string]any{"path": "api.chain.getBlockHash", "params": []any{json.Number("1")}},
			want: Entry{Kind: KindRead, Path: "api.chain.getBlockHash", Params: []any{json.Number("1")}},
		},
		{
			name: "read ignores signer",
			raw:  map[string]any{"path": "query.system.account", "params": []any{"alice"}, "signer": "alice"},
			want: Entry{Kind: KindRead, Path: "query.system.account", Params: []any{"alice"}},
		},
		{
			name: "write object",
			raw:  map[string]any{"path": "api.tx.balances.transfer", "params": []any{"bob", json.Number("10")}, "signer": "alice"},
			want: Entry{Kind: KindWrite, Path: "api.tx.balances.transfer", Params: []any{"bob", json.Number("10")}, Signer: "alice"},
		},
		{
			name: "write without signer",
			raw:  map[string]any{"path": "tx.system.remark"},
			want: Entry{Kind: KindWrite, Path: "tx.system.remark"},
		},
		{
			name: "call named under tx",
			raw:  map[string]any{"tx": "api.tx.balances.transfer", "params": []any{"bob", json.Number("1000")}, "signer": "alice"},
			want: Entry{Kind: KindWrite, Path: "api.tx.balances.transfer", Params: []any{"bob", json.Number("1000")}, Signer: "alice"},
		},
		{
			name: "read named under tx",
			raw:  map[string]any{"tx": "api.query.system.account", "params": []any{"alice"}},
			want: Entry{Kind: KindRead, Path: "api.query.system.account", Params: []any{"alice"}},
		},
		{
			name: "path wins over tx",
			raw:  map[string]any{"path": "chain.getBlock", "tx": "api.tx.system.remark"},
			want: Entry{Kind: KindRead, Path: "chain.getBlock"},
		},
		{
			name: "tx as method name is not a write",
			raw:  map[string]any{"path": "rpc.eth.getTransactionByHash"},
			want: Entry{Kind: KindRead, Path: "rpc.eth.getTransactionByHash"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []any{
		"",
		json.Number("1"),
		map[string]any{"params": []any{}},
		map[string]any{"tx": "  "},
		map[string]any{"tx": 7},
		map[string]any{"path": "chain.getBlock", "params": "1"},
		nil,
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidEntry) {
			t.Errorf("Parse(%v) = %v, want ErrInvalidEntry", raw, err)
		}
	}
}

func TestParseAllReportsIndex(t *testing.T) {
	_, err := ParseAll([]any{"chain.getBlock", true})
	var eerr *EntryError
	if !errors.As(err, &eerr) {
		t.Fatalf("expected EntryError, got %v", err)
	}
	if eerr.Index != 1 {
		t.Errorf("Index = %d, want 1", eerr.Index)
	}
}

func TestEntryString(t *testing.T) {
	e := Entry{Kind: KindWrite, Path: "api.tx.balances.transfer", Params: []any{"bob", json.Number("10")}, Signer: "alice"}
	want := "🔗 api.tx.balances.transfer(bob, 10) | ✍️  alice"
	if got := e.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	bare := Entry{Kind: KindBare, Path: "chain.getBlock"}
	if got := bare.String(); got != "🔗 chain.getBlock()" {
		t.Errorf("String() = %q", got)
	}
}

func TestKindString(t *testing.T) {
	if KindWrite.String() != "write" || KindRead.String() != "read" || KindBare.String() != "bare" {
		t.Error("unexpected kind names")
	}
}

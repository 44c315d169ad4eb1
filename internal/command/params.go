package command

import (
	"encoding/json"

	"github.com/gateway-fm/rpctester/internal/keyring"
)

// SignerLookup finds a signer by symbolic name. *keyring.Keyring
// implements it.
type SignerLookup interface {
	Lookup(name string) (*keyring.Signer, bool)
}

// SignerMap is a SignerLookup with exact name matching.
type SignerMap map[string]*keyring.Signer

func (m SignerMap) Lookup(name string) (*keyring.Signer, bool) {
	s, ok := m[name]
	return s, ok
}

// TransformParams replaces every string parameter that names a known
// signer with that signer's address. All other values pass through
// unchanged. The input slice is not modified.
func TransformParams(params []any, signers SignerLookup) []any {
	out := make([]any, len(params))
	for i, p := range params {
		if name, ok := p.(string); ok && signers != nil {
			if s, found := signers.Lookup(name); found {
				out[i] = s.AddressHex()
				continue
			}
		}
		out[i] = p
	}
	return out
}

// TransformResult converts a remote value into a plain JSON-shaped value
// for display. Raw JSON and json.Marshaler values are decoded; anything
// else is returned as is.
func TransformResult(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return decodeJSON(val)
	case json.Marshaler:
		data, err := val.MarshalJSON()
		if err != nil {
			return v
		}
		return decodeJSON(data)
	default:
		return v
	}
}

func decodeJSON(data []byte) any {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

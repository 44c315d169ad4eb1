package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gateway-fm/rpctester/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&config.Settings{LogLevel: "error", LogFormat: "text"})
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		want    []string
		wantErr bool
	}{
		{
			name: "jsonc",
			file: "bench.jsonc",
			body: `{
				"endPoints": ["ws://a", "ws://b"], // two nodes
				"connections": 3,
				"writeTxWait": "INBLOCK",
				"txs": ["api.chain.getBlock", {"path": "api.tx.balances.transfer", "params": ["bob", 1]}]
			}`,
			want: []string{"ok", "3 per endpoint (6 total)", "writeTxWait: inBlock", "has no signer"},
		},
		{
			name: "yaml",
			file: "bench.yaml",
			body: "endPoint: ws://a\ntxs:\n  - system.chain\n",
			want: []string{"endpoints:   1", "entries:     1", "writeTxWait: none"},
		},
		{
			name:    "bad policy",
			file:    "bad.json",
			body:    `{"endPoints": ["ws://a"], "writeTxWait": "soon", "txs": ["system.chain"]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "validate", writeConfig(t, tt.file, tt.body))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, output:\n%s", out)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("version = %q", out)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if _, err := execute(t, "run"); err == nil {
		t.Error("run without a config path succeeded")
	}
	if _, err := execute(t, "run", "--log-level", "loud", writeConfig(t, "c.json", `{}`)); err == nil {
		t.Error("invalid log level accepted")
	}
}

func TestRunFlagDefaultsFromSettings(t *testing.T) {
	root := newRootCmd(&config.Settings{
		LogLevel:           "info",
		LogFormat:          "text",
		ListenAddr:         "127.0.0.1:13001",
		CORSAllowedOrigins: "http://dash.local",
	})
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		flagListen: "127.0.0.1:13001",
		flagCORS:   "http://dash.local",
	}
	for name, want := range tests {
		f := run.Flags().Lookup(name)
		if f == nil {
			t.Errorf("flag --%s missing", name)
			continue
		}
		if f.DefValue != want {
			t.Errorf("--%s default = %q, want %q", name, f.DefValue, want)
		}
	}
}

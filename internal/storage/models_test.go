package storage

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
	"unicode"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// Keys read by the MCP formatters and any dashboard client.
var expectedAPIFields = map[string][]string{
	"Run": {
		"id", "startedAt", "configPath", "endpoints", "connections", "entries",
		"writeTxWait", "status", "connectMs", "executeMs", "attempts", "connected",
		"succeeded", "failed", "isFavorite",
	},
	"Outcome":          {"endpoint", "connection", "success", "failedEntry", "entriesRun", "durationMs"},
	"RunDetail":        {"run", "outcomes"},
	"PaginatedRuns":    {"runs", "total", "limit", "offset"},
	"PaginatedEntries": {"entries", "total", "limit", "offset"},
	"EntryEvent":       {"time", "endpoint", "connection", "entry", "kind", "path", "status", "durationMs"},
}

func TestModelsHaveCamelCaseJSONTags(t *testing.T) {
	tests := []struct {
		name     string
		instance any
	}{
		{"Run", Run{}},
		{"Outcome", Outcome{}},
		{"RunDetail", RunDetail{}},
		{"PaginatedRuns", PaginatedRuns{}},
		{"PaginatedEntries", PaginatedEntries{}},
		{"RunMetadataUpdate", RunMetadataUpdate{}},
		{"EntryEvent", types.EntryEvent{}},
		{"ExecutionResult", types.ExecutionResult{}},
		{"LatencyStats", types.LatencyStats{}},
		{"RunStatus", types.RunStatus{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ := reflect.TypeOf(tt.instance)
			for i := 0; i < typ.NumField(); i++ {
				field := typ.Field(i)
				if !field.IsExported() {
					continue
				}
				tag := field.Tag.Get("json")
				if tag == "" {
					t.Errorf("%s.%s has no json tag", tt.name, field.Name)
					continue
				}
				if tag == "-" {
					continue
				}
				if r := []rune(tag)[0]; unicode.IsUpper(r) {
					t.Errorf("%s.%s json tag %q is not camelCase", tt.name, field.Name, tag)
				}
			}
		})
	}
}

func TestSerializedKeys(t *testing.T) {
	now := time.Now()
	instances := map[string]any{
		"Run":              NewRun("script.jsonc", []string{"wsA"}, 2, 3, types.WaitInBlock),
		"Outcome":          OutcomeFrom(types.ExecutionResult{Endpoint: "wsA", FailedEntry: -1}),
		"RunDetail":        RunDetail{},
		"PaginatedRuns":    PaginatedRuns{},
		"PaginatedEntries": PaginatedEntries{},
		"EntryEvent":       types.EntryEvent{Time: now, Path: "chain.getBlock"},
	}

	for name, keys := range expectedAPIFields {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(instances[name])
			if err != nil {
				t.Fatal(err)
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatal(err)
			}
			for _, k := range keys {
				if _, ok := m[k]; !ok {
					t.Errorf("%s JSON missing %q: %s", name, k, data)
				}
			}
		})
	}
}

func TestOutcomeFromUnencodableValue(t *testing.T) {
	o := OutcomeFrom(types.ExecutionResult{
		Endpoint:    "wsA",
		Value:       make(chan int),
		Err:         errors.New("boom"),
		Error:       "boom",
		FailedEntry: 1,
	})
	if o.Success {
		t.Error("failed result stored as success")
	}
	var s string
	if err := json.Unmarshal(o.Value, &s); err != nil || s == "" {
		t.Errorf("value = %s, want JSON string fallback", o.Value)
	}
}

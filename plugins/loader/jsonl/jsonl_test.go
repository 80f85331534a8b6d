package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/pkg/contract"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// 默认字段：IDX_PACKET + DATA_LIST（数组展开）
func TestLoadDefaults(t *testing.T) {
	p := writeFile(t, `{"IDX_PACKET": 1, "DATA_LIST": ["Session A", "Panel", "Desc"]}

{"IDX_PACKET": "p-2", "DATA_LIST": "single"}
{"IDX_PACKET": 3, "DATA_LIST": [7, true, {"k":"v"}]}
`)
	l, err := New(nil)
	require.NoError(t, err)
	items, err := l.Load(context.Background(), p)
	require.NoError(t, err)

	want := []contract.WorkItem{
		{ID: "1", Payload: []string{"Session A", "Panel", "Desc"}, Meta: contract.Meta{"line": "1"}},
		{ID: "p-2", Payload: []string{"single"}, Meta: contract.Meta{"line": "3"}},
		{ID: "3", Payload: []string{"7", "true", `{"k":"v"}`}, Meta: contract.Meta{"line": "4"}},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

// 重复 ID 原样保留（去重发生在累加阶段）
func TestLoadKeepsDuplicates(t *testing.T) {
	p := writeFile(t, "{\"id\":\"a\",\"q\":\"x\"}\n{\"id\":\"a\",\"q\":\"y\"}\n")
	l, err := New(&Options{IDField: "id", TextFields: []string{"q"}})
	require.NoError(t, err)
	items, err := l.Load(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []string{"y"}, items[1].Payload)
}

func TestLoadStdin(t *testing.T) {
	l, err := New(&Options{IDField: "id", TextFields: []string{"a", "b"}})
	require.NoError(t, err)
	l.stdin = strings.NewReader(`{"id":10,"a":"x","b":["y","z"]}`)
	items, err := l.Load(context.Background(), "-")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, contract.ItemID("10"), items[0].ID)
	assert.Equal(t, []string{"x", "y", "z"}, items[0].Payload)
}

func TestLoadErrors(t *testing.T) {
	l, _ := New(nil)
	cases := map[string]string{
		"bad_json":     "{not json}\n",
		"missing_id":   `{"DATA_LIST":"x"}`,
		"missing_text": `{"IDX_PACKET":1}`,
		"null_text":    `{"IDX_PACKET":1,"DATA_LIST":null}`,
		"blank_id":     `{"IDX_PACKET":"  ","DATA_LIST":"x"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Load(context.Background(), writeFile(t, body))
			require.ErrorIs(t, err, contract.ErrInvalidInput)
			assert.Contains(t, err.Error(), "line 1")
		})
	}
	_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = New(&Options{TextFields: []string{" "}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

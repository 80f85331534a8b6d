package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, text string) ResultRecord {
	return ResultRecord{ID: ItemID(id), Result: &Response{Text: text}}
}

// TestMergeFirstWins 先到者胜，失败行被过滤。
func TestMergeFirstWins(t *testing.T) {
	base := []ResultRecord{rec("1", "a"), rec("2", "b")}
	add := []ResultRecord{rec("2", "B"), {ID: "3"}, rec("4", "d"), rec("4", "D")}
	out := MergeFirstWins(base, add)
	require.Len(t, out, 3)
	assert.Equal(t, ItemID("1"), out[0].ID)
	assert.Equal(t, "b", out[1].Result.Text, "重复 ID 应保留首次出现")
	assert.Equal(t, ItemID("4"), out[2].ID)
	assert.Equal(t, "d", out[2].Result.Text)

	// 深拷贝：修改输出不影响输入
	out[0].Result.Text = "x"
	assert.Equal(t, "a", base[0].Result.Text)
}

func TestMergeFirstWinsEmpty(t *testing.T) {
	assert.Empty(t, MergeFirstWins(nil, nil))
	assert.Len(t, MergeFirstWins(nil, []ResultRecord{rec("1", "a")}), 1)
}

// TestValidateItems 覆盖错误分支。
func TestValidateItems(t *testing.T) {
	require.NoError(t, ValidateItems([]WorkItem{{ID: "1", Payload: []string{"x"}}, {ID: "1", Payload: []string{"y"}}}))
	err := ValidateItems([]WorkItem{{ID: " ", Payload: []string{"x"}}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	err = ValidateItems([]WorkItem{{ID: "a"}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want ItemID
		err  bool
	}{
		{"字符串", " p-1 ", "p-1", false},
		{"整数", 42, "42", false},
		{"int64", int64(7), "7", false},
		{"JSON 数字", float64(12), "12", false},
		{"小数", 1.5, "1.5", false},
		{"字节", []byte("b"), "b", false},
		{"json.Number 大整数", json.Number("9007199254740993"), "9007199254740993", false},
		{"空串", "  ", "", true},
		{"nil", nil, "", true},
		{"不支持", true, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeID(tt.in)
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutcome(t *testing.T) {
	ok := Outcome{ID: "1", Result: &Response{Text: "t"}}
	assert.True(t, ok.OK())
	assert.True(t, ok.Record().Present())

	bad := Outcome{ID: "2", Err: ErrBlocked, Result: &Response{}}
	assert.False(t, bad.OK())
	assert.False(t, bad.Record().Present())
	assert.Equal(t, ItemID("2"), bad.Record().ID)
}

func TestWorkItemClone(t *testing.T) {
	w := WorkItem{ID: "1", Payload: []string{"a"}, Meta: Meta{"k": "v"}}
	c := w.Clone()
	w.Payload[0] = "x"
	w.Meta["k"] = "x"
	assert.Equal(t, "a", c.Payload[0])
	assert.Equal(t, "v", c.Meta["k"])
}

func TestCheckpointTargetFile(t *testing.T) {
	dir := t.TempDir()
	p, err := CheckpointTarget{Dir: dir, Stamp: "20240101_000000"}.File(".jsonl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "checkpoint_20240101_000000.jsonl"), p)

	_, err = CheckpointTarget{Dir: dir}.File(".jsonl")
	assert.ErrorIs(t, err, ErrPathInvalid)
	_, err = CheckpointTarget{Dir: dir, Stamp: "../x"}.File(".jsonl")
	assert.ErrorIs(t, err, ErrPathInvalid)

	_, err = CheckpointTarget{Resume: filepath.Join(dir, "missing.jsonl")}.File(".jsonl")
	assert.ErrorIs(t, err, os.ErrNotExist)

	existing := filepath.Join(dir, "old.jsonl")
	require.NoError(t, os.WriteFile(existing, nil, 0o644))
	p, err = CheckpointTarget{Dir: dir, Stamp: "s", Resume: existing}.File(".db")
	require.NoError(t, err)
	assert.Equal(t, existing, p)
}

func TestTableRoundTripKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	in := []ResultRecord{rec("2", "<b>"), rec("1", "a")}
	require.NoError(t, WriteTable(&buf, in))
	assert.Contains(t, buf.String(), `"packet":"2"`)
	assert.Contains(t, buf.String(), "<b>")
	out, err := ReadTable(&buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, ItemID("2"), out[0].ID)
	assert.Equal(t, "a", out[1].Result.Text)

	_, err = ReadTable(bytes.NewBufferString(`{"result":null}`))
	assert.ErrorIs(t, err, ErrInvariantViolation)
	_, err = ReadTable(bytes.NewBufferString("{\"packet\":\"1\"}\nnope"))
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestResultRecordClone(t *testing.T) {
	r := rec("1", "a")
	c := r.Clone()
	c.Result.Text = "b"
	assert.Equal(t, "a", r.Result.Text)
	assert.Nil(t, ResultRecord{ID: "2"}.Clone().Result)
}

func TestDecodeOptions(t *testing.T) {
	var o struct {
		Model string `json:"model"`
	}
	require.NoError(t, DecodeOptions(nil, &o))
	require.NoError(t, DecodeOptions(json.RawMessage(" \n"), &o))
	require.NoError(t, DecodeOptions(json.RawMessage(`{"model":"m"}`), &o))
	assert.Equal(t, "m", o.Model)
	err := DecodeOptions(json.RawMessage(`{"modle":"m"}`), &o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modle")
}

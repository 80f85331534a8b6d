package accum

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/pkg/contract"
	"llmbatch/plugins/checkpoint/table"
)

// memCP 是内存检查点；appendErr/shrink 用于注入故障。
type memCP struct {
	rows      []contract.ResultRecord
	appends   int
	appendErr error
	shrink    bool
}

func (m *memCP) Load(context.Context) ([]contract.ResultRecord, error) { return m.rows, nil }
func (m *memCP) Path() string                                          { return "mem" }
func (m *memCP) Close() error                                          { return nil }
func (m *memCP) Append(_ context.Context, recs ...contract.ResultRecord) (int, error) {
	if m.appendErr != nil {
		return 0, m.appendErr
	}
	m.appends++
	m.rows = contract.MergeFirstWins(m.rows, recs)
	if m.shrink {
		return 0, nil
	}
	return len(m.rows), nil
}

func success(id, text string) contract.Outcome {
	return contract.Outcome{ID: contract.ItemID(id), Result: &contract.Response{Text: text}}
}

func failure(id string) contract.Outcome {
	return contract.Outcome{ID: contract.ItemID(id), Err: errors.New("x")}
}

func ids(recs []contract.ResultRecord) []contract.ItemID {
	out := make([]contract.ItemID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestAddPersistsEachSuccess(t *testing.T) {
	ctx := context.Background()
	cp := &memCP{}
	a, err := Open(ctx, cp)
	require.NoError(t, err)

	for _, o := range []contract.Outcome{success("1", "a"), failure("2"), success("3", "c"), success("1", "A"), failure("2")} {
		_, err := a.Add(ctx, o)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cp.appends)
	assert.Equal(t, []contract.ItemID{"1", "3"}, ids(a.Table()))
	assert.Equal(t, "a", a.Table()[0].Result.Text)
	assert.Equal(t, []contract.ItemID{"2"}, a.Failures())
	// 结果表 + 失败 = 唯一输入 ID 数
	assert.Equal(t, 3, a.Len()+len(a.Failures()))
}

func TestLaterSuccessClearsFailure(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, &memCP{})
	require.NoError(t, err)
	_, _ = a.Add(ctx, failure("1"))
	added, err := a.Add(ctx, success("1", "a"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Empty(t, a.Failures())
}

func TestResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	cp, err := table.New(nil, contract.CheckpointTarget{Dir: t.TempDir(), Stamp: "s"})
	require.NoError(t, err)
	_, err = cp.Append(ctx, success("1", "a").Record(), success("2", "b").Record())
	require.NoError(t, err)

	a, err := Open(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Resumed())
	assert.True(t, a.Has("2"))
	assert.False(t, a.Has("3"))

	added, err := a.Add(ctx, success("2", "B"))
	require.NoError(t, err)
	assert.False(t, added)
	_, err = a.Add(ctx, success("3", "c"))
	require.NoError(t, err)

	onDisk, err := cp.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(a.Table(), onDisk); diff != "" {
		t.Fatalf("table mismatch (-mem +disk):\n%s", diff)
	}
}

func TestAppendErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	a, err := Open(ctx, &memCP{appendErr: boom})
	require.NoError(t, err)
	_, err = a.Add(ctx, success("1", "a"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, a.Len())

	a, err = Open(ctx, &memCP{shrink: true})
	require.NoError(t, err)
	_, err = a.Add(ctx, success("1", "a"))
	assert.ErrorIs(t, err, contract.ErrInvariantViolation)

	_, err = Open(ctx, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// 结果表持有独立副本，调用方后续修改 Response 不影响已接受的行
func TestAddCopiesResponse(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, &memCP{})
	require.NoError(t, err)
	o := success("1", "a")
	added, err := a.Add(ctx, o)
	require.NoError(t, err)
	require.True(t, added)
	o.Result.Text = "mutated"
	assert.Equal(t, "a", a.Table()[0].Result.Text)
}

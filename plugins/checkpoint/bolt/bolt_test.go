package bolt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/pkg/contract"
)

func ok(id, text string) contract.ResultRecord {
	return contract.ResultRecord{ID: contract.ItemID(id), Result: &contract.Response{Text: text}}
}

func TestAppendAndReopen(t *testing.T) {
	ctx := context.Background()
	st, err := New(nil, contract.CheckpointTarget{Dir: t.TempDir(), Stamp: "s"})
	require.NoError(t, err)

	n, err := st.Append(ctx, ok("1", "a"), ok("2", "b"), ok("1", "A"), contract.ResultRecord{ID: "9"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	path := st.Path()
	require.NoError(t, st.Close())

	re, err := New(&Options{OpenTimeoutMS: 200}, contract.CheckpointTarget{Resume: path})
	require.NoError(t, err)
	defer re.Close()
	n, err = re.Append(ctx, ok("2", "B"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = re.Append(ctx, ok("3", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := re.Load(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "b", rows[1].Result.Text)
	assert.Equal(t, contract.ItemID("3"), rows[2].ID)
}

func TestCancelled(t *testing.T) {
	st, err := New(nil, contract.CheckpointTarget{Dir: t.TempDir(), Stamp: "s"})
	require.NoError(t, err)
	defer st.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Append(ctx, ok("1", "a"))
	assert.ErrorIs(t, err, context.Canceled)
}

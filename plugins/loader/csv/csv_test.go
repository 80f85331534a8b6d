package csv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/pkg/contract"
)

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "in.csv")
	body := "\ufeffIDX_PACKET,title,DATA_LIST\n1,A,\"line one\nline two\"\n2,B,plain\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	c, err := New(&Options{TextColumns: []string{"title", "DATA_LIST"}})
	require.NoError(t, err)
	items, err := c.Load(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, contract.ItemID("1"), items[0].ID)
	assert.Equal(t, []string{"A", "line one\nline two"}, items[0].Payload)
	assert.Equal(t, []string{"B", "plain"}, items[1].Payload)
	assert.Equal(t, "3", items[1].Meta["row"])
}

func TestLoadTabStdin(t *testing.T) {
	c, err := New(&Options{IDColumn: "id", TextColumns: []string{"q"}, Comma: `\t`})
	require.NoError(t, err)
	c.stdin = strings.NewReader("id\tq\nx\thello\n")
	items, err := c.Load(context.Background(), "-")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"hello"}, items[0].Payload)
}

func TestLoadErrors(t *testing.T) {
	c, _ := New(nil)
	c.stdin = strings.NewReader("")
	_, err := c.Load(context.Background(), "-")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	c.stdin = strings.NewReader("other,DATA_LIST\n1,x\n")
	_, err = c.Load(context.Background(), "-")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	c.stdin = strings.NewReader("IDX_PACKET,x\n1,y\n")
	_, err = c.Load(context.Background(), "-")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	c.stdin = strings.NewReader("IDX_PACKET,DATA_LIST\n ,y\n")
	_, err = c.Load(context.Background(), "-")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New(&Options{Comma: "ab"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

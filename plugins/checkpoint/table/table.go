// Package table 以 JSON Lines 文件保存结果表：每次追加都读取全表、合并去重、整体原子覆盖。
package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"llmbatch/pkg/contract"
	"llmbatch/plugins/writer/filesystem"
)

// Options: 表检查点选项。
type Options struct {
	// PermFile: 文件权限；为 0 表示 0644。
	PermFile os.FileMode `json:"perm_file,omitempty"`
}

// Table 实现 contract.Checkpoint。单写者。
type Table struct {
	path string
	perm os.FileMode
}

// Ext 为新建检查点文件的扩展名。
const Ext = ".jsonl"

func New(opts *Options, target contract.CheckpointTarget) (*Table, error) {
	path, err := target.File(Ext)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	t := &Table{path: path, perm: 0o644}
	if opts != nil && opts.PermFile != 0 {
		t.perm = opts.PermFile
	}
	// 新建目标在运行开始即落盘空表；同名文件已存在时保持原样
	if target.Resume == "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := filesystem.WriteFileAtomic(context.Background(), path, bytes.NewReader(nil), t.perm); err != nil {
				return nil, fmt.Errorf("checkpoint create %s: %w", path, err)
			}
		} else if err != nil {
			return nil, err
		}
	}
	return t, nil
}

var _ contract.Checkpoint = (*Table)(nil)

func (t *Table) Path() string { return t.path }

func (t *Table) Close() error { return nil }

// Load 读取全表；文件不存在视为空表。
func (t *Table) Load(ctx context.Context) ([]contract.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return contract.ReadTable(f)
}

// Append 读取全表、追加、按 ID 去重（先到者胜）后整体覆盖写回。
func (t *Table) Append(ctx context.Context, recs ...contract.ResultRecord) (int, error) {
	cur, err := t.Load(ctx)
	if err != nil {
		return 0, err
	}
	merged := contract.MergeFirstWins(cur, recs)
	var buf bytes.Buffer
	if err := contract.WriteTable(&buf, merged); err != nil {
		return 0, err
	}
	if err := filesystem.WriteFileAtomic(ctx, t.path, &buf, t.perm); err != nil {
		return 0, fmt.Errorf("checkpoint write %s: %w", t.path, err)
	}
	return len(merged), nil
}

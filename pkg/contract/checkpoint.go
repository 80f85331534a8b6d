package contract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckpointTarget: 检查点定位信息（由装配层计算，传给具体实现）。
// Resume 非空时打开已有检查点；否则在 Dir 下以 Stamp 命名新文件。
type CheckpointTarget struct {
	Dir    string
	Stamp  string
	Resume string
}

// Checkpoint: 结果表的持久化后端。
// 约束：
//  1. Append 返回前，新行已持久化（进程崩溃最多丢失在途的一项）；
//  2. 按 ID 去重，保留首次出现的行；重复行静默丢弃；
//  3. 行数单调不减；
//  4. 单写者：调用方保证不并发调用 Append。
type Checkpoint interface {
	// Load 按插入顺序返回当前全部行。
	Load(ctx context.Context) ([]ResultRecord, error)
	// Append 合并新行并持久化，返回合并后的总行数。
	Append(ctx context.Context, recs ...ResultRecord) (int, error)
	// Path 返回检查点的存储位置（用于日志与续跑提示）。
	Path() string
	Close() error
}

// File 解析检查点文件路径：Resume 非空时原样返回（须已存在）；
// 否则为 Dir/checkpoint_<Stamp><ext>。
func (t CheckpointTarget) File(ext string) (string, error) {
	if t.Resume != "" {
		if _, err := os.Stat(t.Resume); err != nil {
			return "", fmt.Errorf("resume checkpoint %s: %w", t.Resume, err)
		}
		return t.Resume, nil
	}
	if strings.TrimSpace(t.Dir) == "" || strings.TrimSpace(t.Stamp) == "" {
		return "", fmt.Errorf("checkpoint target: %w: dir and stamp required", ErrPathInvalid)
	}
	if strings.ContainsAny(t.Stamp, `/\`) {
		return "", fmt.Errorf("checkpoint stamp %q: %w", t.Stamp, ErrPathInvalid)
	}
	return filepath.Join(t.Dir, "checkpoint_"+t.Stamp+ext), nil
}

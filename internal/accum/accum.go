// Package accum 维护运行期结果表与失败集合，并在每次新增成功行后立即持久化。
package accum

import (
	"context"
	"fmt"

	"llmbatch/pkg/contract"
)

// Accumulator 非并发安全：由单一收集者调用。
type Accumulator struct {
	cp      contract.Checkpoint
	table   []contract.ResultRecord
	seen    map[contract.ItemID]struct{}
	failed  []contract.ItemID
	failSet map[contract.ItemID]struct{}
	rows    int
	resumed int
}

// Open 基于检查点构造累加器；检查点已有的行作为初始结果表（续跑）。
func Open(ctx context.Context, cp contract.Checkpoint) (*Accumulator, error) {
	if cp == nil {
		return nil, fmt.Errorf("accum: %w: nil checkpoint", contract.ErrInvalidInput)
	}
	rows, err := cp.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", cp.Path(), err)
	}
	a := &Accumulator{
		cp:      cp,
		table:   contract.MergeFirstWins(nil, rows),
		seen:    make(map[contract.ItemID]struct{}, len(rows)),
		failSet: make(map[contract.ItemID]struct{}),
	}
	for _, r := range a.table {
		a.seen[r.ID] = struct{}{}
	}
	a.rows = len(a.table)
	a.resumed = len(a.table)
	return a, nil
}

// Add 吸收一次提交结果。
// 成功且 ID 未出现：追加并持久化；重复 ID：丢弃（先到者胜）；失败：记入失败集合。
// 仅持久化失败会返回错误，此时运行应中止。
func (a *Accumulator) Add(ctx context.Context, o contract.Outcome) (added bool, err error) {
	if !o.OK() {
		if _, ok := a.failSet[o.ID]; !ok {
			a.failSet[o.ID] = struct{}{}
			a.failed = append(a.failed, o.ID)
		}
		return false, nil
	}
	if _, dup := a.seen[o.ID]; dup {
		return false, nil
	}
	rec := o.Record()
	n, err := a.cp.Append(ctx, rec)
	if err != nil {
		return false, err
	}
	if n < a.rows+1 {
		return false, fmt.Errorf("checkpoint rows %d after append, had %d: %w", n, a.rows, contract.ErrInvariantViolation)
	}
	a.rows = n
	a.seen[o.ID] = struct{}{}
	a.table = append(a.table, rec.Clone())
	return true, nil
}

// Has 报告 ID 是否已有结果。
func (a *Accumulator) Has(id contract.ItemID) bool {
	_, ok := a.seen[id]
	return ok
}

// Table 返回结果表副本（插入顺序）。
func (a *Accumulator) Table() []contract.ResultRecord {
	return contract.MergeFirstWins(nil, a.table)
}

// Len 返回结果表行数。
func (a *Accumulator) Len() int { return len(a.table) }

// Resumed 返回打开时检查点已有的行数。
func (a *Accumulator) Resumed() int { return a.resumed }

// Failures 返回没有成功结果的失败 ID（按首次失败顺序）。
func (a *Accumulator) Failures() []contract.ItemID {
	out := make([]contract.ItemID, 0, len(a.failed))
	for _, id := range a.failed {
		if _, ok := a.seen[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

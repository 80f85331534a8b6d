package contract

import "context"

// Loader: 工作项数据源抽象（JSONL/CSV/SQLite 等表格数据）。
// 约束：
// 1) 一次性读取全部工作项，按数据源插入顺序返回；
// 2) 不做去重：重复 ID 原样保留，由累加器按“先到者胜”处理；
// 3) 不在内部起并发；
// 4) 尊重 ctx 取消。
type Loader interface {
	Load(ctx context.Context, source string) ([]WorkItem, error)
}

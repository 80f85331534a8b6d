package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// 校验库函数（纯函数，无 I/O）：
// - MergeFirstWins: 结果表合并去重，先到者胜
// - ValidateItems:  工作项最小不变量校验
// - NormalizeID:    将数据源中的标识值规范化为 ItemID

// MergeFirstWins 将 add 追加到 base 之后并按 ID 去重（保留首次出现），不修改入参。
// 失败行（Result 为 nil）不进入结果表。
func MergeFirstWins(base, add []ResultRecord) []ResultRecord {
	out := make([]ResultRecord, 0, len(base)+len(add))
	seen := make(map[ItemID]struct{}, len(base)+len(add))
	for _, src := range [][]ResultRecord{base, add} {
		for _, r := range src {
			if !r.Present() {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r.Clone())
		}
	}
	return out
}

// ValidateItems 校验工作项：ID 非空且载荷至少一个字段。重复 ID 不视为错误。
func ValidateItems(items []WorkItem) error {
	for i, it := range items {
		if strings.TrimSpace(string(it.ID)) == "" {
			return fmt.Errorf("item #%d: %w: empty id", i, ErrInvalidInput)
		}
		if len(it.Payload) == 0 {
			return fmt.Errorf("item %s: %w: empty payload", it.ID, ErrInvalidInput)
		}
	}
	return nil
}

// NormalizeID 将常见标量值转为 ItemID。
// 规则：
// - 字符串去首尾空白；
// - 整数/整值浮点/json.Number 按十进制格式化；
// - 其他类型或空值返回 ErrInvalidInput。
func NormalizeID(v any) (ItemID, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidInput)
		}
		return ItemID(s), nil
	case int:
		return ItemID(strconv.Itoa(x)), nil
	case int64:
		return ItemID(strconv.FormatInt(x, 10)), nil
	case float64:
		if x != float64(int64(x)) {
			return ItemID(strconv.FormatFloat(x, 'f', -1, 64)), nil
		}
		return ItemID(strconv.FormatInt(int64(x), 10)), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return ItemID(strconv.FormatInt(i, 10)), nil
		}
		return NormalizeID(x.String())
	case []byte:
		return NormalizeID(string(x))
	case nil:
		return "", fmt.Errorf("%w: null id", ErrInvalidInput)
	default:
		return "", fmt.Errorf("%w: unsupported id type %T", ErrInvalidInput, v)
	}
}

// cloneMeta: 复制 Meta 映射。
func cloneMeta(m Meta) Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone 返回工作项的深拷贝（载荷与 Meta 独立）。
func (w WorkItem) Clone() WorkItem {
	p := make([]string, len(w.Payload))
	copy(p, w.Payload)
	return WorkItem{ID: w.ID, Payload: p, Meta: cloneMeta(w.Meta)}
}

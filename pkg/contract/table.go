package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// WriteTable 以 JSON Lines 写出结果表（每行 {"result":…,"packet":…}）。
// 检查点文件与最终结果文件共用该格式。
func WriteTable(w io.Writer, recs []ResultRecord) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// ReadTable 读取 JSON Lines 结果表；缺少 packet 的行视为损坏。
func ReadTable(r io.Reader) ([]ResultRecord, error) {
	dec := json.NewDecoder(r)
	var out []ResultRecord
	for n := 1; ; n++ {
		var rec ResultRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("table row %d: %v: %w", n, err, ErrInvariantViolation)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("table row %d: %w: missing packet", n, ErrInvariantViolation)
		}
		out = append(out, rec)
	}
}

package contract

import (
	"bytes"
	"encoding/json"
)

// DecodeOptions 严格解析组件 Options：未知字段报错；空输入保持零值。
func DecodeOptions(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

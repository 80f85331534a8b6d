package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"llmbatch/pkg/contract"
)

// Options: JSON Lines 数据源选项。
type Options struct {
	// IDField: 标识字段名，默认 IDX_PACKET。
	IDField string `json:"id_field,omitempty"`
	// TextFields: 载荷字段（按顺序拼入载荷），默认 ["DATA_LIST"]。
	// 字段值为数组时逐元素展开为多个载荷字段。
	TextFields []string `json:"text_fields,omitempty"`
	// MaxLineBytes: 单行上限，默认 64 MiB。
	MaxLineBytes int `json:"max_line_bytes,omitempty"`
}

// JSONL 从文件或 STDIN（source="-"）读取一行一个 JSON 对象的数据集。
type JSONL struct {
	idField    string
	textFields []string
	maxLine    int
	stdin      io.Reader
}

func New(opts *Options) (*JSONL, error) {
	l := &JSONL{idField: "IDX_PACKET", textFields: []string{"DATA_LIST"}, maxLine: 64 << 20, stdin: os.Stdin}
	if opts == nil {
		return l, nil
	}
	if s := strings.TrimSpace(opts.IDField); s != "" {
		l.idField = s
	}
	if len(opts.TextFields) > 0 {
		l.textFields = nil
		for _, f := range opts.TextFields {
			if f = strings.TrimSpace(f); f == "" {
				return nil, fmt.Errorf("jsonl: %w: empty text field name", contract.ErrInvalidInput)
			}
			l.textFields = append(l.textFields, f)
		}
	}
	if opts.MaxLineBytes > 0 {
		l.maxLine = opts.MaxLineBytes
	}
	return l, nil
}

var _ contract.Loader = (*JSONL)(nil)

// Load 按行序返回工作项；空行跳过。任一行非法即整体失败（错误带行号）。
func (l *JSONL) Load(ctx context.Context, source string) ([]contract.WorkItem, error) {
	var r io.Reader
	if source == "" || source == "-" {
		r = l.stdin
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return l.decode(ctx, r)
}

func (l *JSONL) decode(ctx context.Context, r io.Reader) ([]contract.WorkItem, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), l.maxLine)
	var out []contract.WorkItem
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		it, err := l.item(b)
		if err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		it.Meta = contract.Meta{"line": strconv.Itoa(line)}
		out = append(out, it)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *JSONL) item(b []byte) (contract.WorkItem, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return contract.WorkItem{}, fmt.Errorf("%w: %v", contract.ErrInvalidInput, err)
	}
	rawID, ok := obj[l.idField]
	if !ok {
		return contract.WorkItem{}, fmt.Errorf("%w: missing id field %q", contract.ErrInvalidInput, l.idField)
	}
	id, err := contract.NormalizeID(rawID)
	if err != nil {
		return contract.WorkItem{}, err
	}
	var payload []string
	for _, f := range l.textFields {
		v, ok := obj[f]
		if !ok {
			return contract.WorkItem{}, fmt.Errorf("%w: item %s missing field %q", contract.ErrInvalidInput, id, f)
		}
		texts, err := fieldTexts(v)
		if err != nil {
			return contract.WorkItem{}, fmt.Errorf("item %s field %q: %w", id, f, err)
		}
		payload = append(payload, texts...)
	}
	return contract.WorkItem{ID: id, Payload: payload}, nil
}

// fieldTexts 将 JSON 值转换为载荷文本：字符串原样；数组逐元素展开；数字/布尔按字面；对象保留紧凑 JSON。
func fieldTexts(v any) ([]string, error) {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, err := scalarText(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := scalarText(x)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func scalarText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", fmt.Errorf("%w: null value", contract.ErrInvalidInput)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("%w: %v", contract.ErrInvalidInput, err)
		}
		return string(b), nil
	}
}

package csv

import (
	"context"
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"llmbatch/pkg/contract"
)

// Options: CSV 数据源选项。首行为表头。
type Options struct {
	IDColumn    string   `json:"id_column,omitempty"`    // 默认 IDX_PACKET
	TextColumns []string `json:"text_columns,omitempty"` // 默认 ["DATA_LIST"]
	// Comma: 单字符分隔符，默认 ","；"\t" 表示制表符。
	Comma string `json:"comma,omitempty"`
	// LazyQuotes: 宽松引号解析。
	LazyQuotes bool `json:"lazy_quotes,omitempty"`
}

type CSV struct {
	idCol    string
	textCols []string
	comma    rune
	lazy     bool
	stdin    io.Reader
}

func New(opts *Options) (*CSV, error) {
	c := &CSV{idCol: "IDX_PACKET", textCols: []string{"DATA_LIST"}, comma: ',', stdin: os.Stdin}
	if opts == nil {
		return c, nil
	}
	if s := strings.TrimSpace(opts.IDColumn); s != "" {
		c.idCol = s
	}
	if len(opts.TextColumns) > 0 {
		c.textCols = append([]string(nil), opts.TextColumns...)
	}
	switch opts.Comma {
	case "":
	case `\t`:
		c.comma = '\t'
	default:
		r, n := utf8.DecodeRuneInString(opts.Comma)
		if n != len(opts.Comma) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
			return nil, fmt.Errorf("csv: %w: invalid comma %q", contract.ErrInvalidInput, opts.Comma)
		}
		c.comma = r
	}
	c.lazy = opts.LazyQuotes
	return c, nil
}

var _ contract.Loader = (*CSV)(nil)

// Load 读取表头后按行生成工作项；source="-" 读取 STDIN。
func (c *CSV) Load(ctx context.Context, source string) ([]contract.WorkItem, error) {
	var r io.Reader
	if source == "" || source == "-" {
		r = c.stdin
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	cr := stdcsv.NewReader(r)
	cr.Comma = c.comma
	cr.LazyQuotes = c.lazy
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv: %w: missing header", contract.ErrInvalidInput)
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	idPos, ok := idx[c.idCol]
	if !ok {
		return nil, fmt.Errorf("csv: %w: id column %q not in header", contract.ErrInvalidInput, c.idCol)
	}
	textPos := make([]int, len(c.textCols))
	for i, name := range c.textCols {
		p, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("csv: %w: text column %q not in header", contract.ErrInvalidInput, name)
		}
		textPos[i] = p
	}

	var out []contract.WorkItem
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", row, err)
		}
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		id, err := contract.NormalizeID(rec[idPos])
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", row, err)
		}
		payload := make([]string, len(textPos))
		for i, p := range textPos {
			payload[i] = rec[p]
		}
		out = append(out, contract.WorkItem{ID: id, Payload: payload, Meta: contract.Meta{"row": strconv.Itoa(row)}})
	}
	return out, nil
}

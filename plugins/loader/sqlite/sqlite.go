package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"llmbatch/pkg/contract"
)

// Options: SQLite 表数据源选项。source 为数据库文件路径。
type Options struct {
	Table       string   `json:"table"`
	IDColumn    string   `json:"id_column,omitempty"`    // 默认 IDX_PACKET
	TextColumns []string `json:"text_columns,omitempty"` // 默认 ["DATA_LIST"]
	OrderBy     string   `json:"order_by,omitempty"`     // 默认 rowid
}

var ident = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLite struct {
	query string
}

func New(opts *Options) (*SQLite, error) {
	if opts == nil || strings.TrimSpace(opts.Table) == "" {
		return nil, fmt.Errorf("sqlite loader: %w: table required", contract.ErrInvalidInput)
	}
	idCol := "IDX_PACKET"
	if s := strings.TrimSpace(opts.IDColumn); s != "" {
		idCol = s
	}
	textCols := []string{"DATA_LIST"}
	if len(opts.TextColumns) > 0 {
		textCols = opts.TextColumns
	}
	orderBy := "rowid"
	if s := strings.TrimSpace(opts.OrderBy); s != "" {
		orderBy = s
	}
	names := append([]string{opts.Table, idCol, orderBy}, textCols...)
	for _, n := range names {
		if !ident.MatchString(n) {
			return nil, fmt.Errorf("sqlite loader: %w: invalid identifier %q", contract.ErrInvalidInput, n)
		}
	}
	cols := make([]string, 0, len(textCols)+1)
	cols = append(cols, quote(idCol))
	for _, c := range textCols {
		cols = append(cols, quote(c))
	}
	order := quote(orderBy)
	if strings.EqualFold(orderBy, "rowid") {
		order = "rowid"
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), quote(opts.Table), order)
	return &SQLite{query: q}, nil
}

func quote(s string) string { return `"` + s + `"` }

var _ contract.Loader = (*SQLite)(nil)

// Load 按 order_by 顺序读出所有行。数据库文件必须已存在（不隐式创建）。
func (s *SQLite) Load(ctx context.Context, source string) ([]contract.WorkItem, error) {
	if _, err := os.Stat(source); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("sqlite loader: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []contract.WorkItem
	n := 0
	for rows.Next() {
		n++
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		id, err := contract.NormalizeID(vals[0])
		if err != nil {
			return nil, fmt.Errorf("sqlite row %d: %w", n, err)
		}
		payload := make([]string, 0, len(vals)-1)
		for i, v := range vals[1:] {
			txt, err := cellText(v)
			if err != nil {
				return nil, fmt.Errorf("sqlite row %d column %s: %w", n, cols[i+1], err)
			}
			payload = append(payload, txt)
		}
		out = append(out, contract.WorkItem{ID: id, Payload: payload, Meta: contract.Meta{"row": strconv.Itoa(n)}})
	}
	return out, rows.Err()
}

func cellText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("%w: NULL value", contract.ErrInvalidInput)
	default:
		return fmt.Sprint(x), nil
	}
}

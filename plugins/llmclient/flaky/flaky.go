package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"llmbatch/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// FailIDs: 对这些工作项的调用总是失败。
	FailIDs []string `json:"fail_ids"`
	// FailFirst: 前 N 次调用（不论工作项）失败。
	FailFirst int `json:"fail_first"`
	// ErrorKind: rate_limited（默认）| blocked | invalid | upstream。
	ErrorKind string `json:"error_kind"`
	// APIKey: 仅用于限流分组。
	APIKey string `json:"api_key"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是确定性的故障注入实现：命中 FailIDs 或前 FailFirst 次调用返回失败，其余回显载荷。
type Client struct {
	prefix    string
	failIDs   map[contract.ItemID]struct{}
	failFirst int32
	kind      string
	logPath   string
	count     atomic.Int32
	mu        sync.Mutex
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if err := contract.DecodeOptions(raw, &o); err != nil {
		return nil, err
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	switch o.ErrorKind {
	case "":
		o.ErrorKind = "rate_limited"
	case "rate_limited", "blocked", "invalid", "upstream":
	default:
		return nil, fmt.Errorf("flaky: %w: unknown error_kind %q", contract.ErrInvalidInput, o.ErrorKind)
	}
	c := &Client{
		prefix:    o.Prefix,
		failIDs:   make(map[contract.ItemID]struct{}, len(o.FailIDs)),
		failFirst: int32(o.FailFirst),
		kind:      o.ErrorKind,
		logPath:   o.LogPath,
	}
	for _, id := range o.FailIDs {
		c.failIDs[contract.ItemID(strings.TrimSpace(id))] = struct{}{}
	}
	return c, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

type upstreamError struct{}

func (upstreamError) Error() string           { return "flaky upstream 503: service unavailable" }
func (upstreamError) UpstreamStatus() int     { return 503 }
func (upstreamError) UpstreamMessage() string { return "service unavailable" }

func (c *Client) fail() error {
	switch c.kind {
	case "blocked":
		return fmt.Errorf("flaky: %w", contract.ErrBlocked)
	case "invalid":
		return fmt.Errorf("flaky: %w", contract.ErrResponseInvalid)
	case "upstream":
		return upstreamError{}
	}
	return fmt.Errorf("flaky: %w", contract.ErrRateLimited)
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, item contract.WorkItem, p contract.Prompt) (contract.Response, error) {
	if err := ctx.Err(); err != nil {
		return contract.Response{}, err
	}
	n := c.count.Add(1)
	_, named := c.failIDs[item.ID]
	if named || n <= c.failFirst {
		c.log(string(item.ID) + " " + c.kind)
		return contract.Response{}, c.fail()
	}
	c.log(string(item.ID) + " ok")
	return contract.Response{Text: c.prefix + ": " + strings.Join(item.Payload, "\n"), FinishReason: "STOP", Model: "flaky"}, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

var _ contract.LLMClient = (*Client)(nil)

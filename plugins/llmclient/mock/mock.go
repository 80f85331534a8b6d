package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"llmbatch/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode:
	//  - "" / "payload": 返回 Prefix + ": " + 载荷字段（以 \n 连接）；
	//  - "prompt": 回显完整 Prompt。
	ResponseMode string `json:"response_mode,omitempty"`
	// DelayMS: 模拟调用耗时（毫秒），受 ctx 取消约束。
	DelayMS int `json:"delay_ms,omitempty"`
}

type Client struct {
	prefix string
	mode   string
	delay  time.Duration
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if err := contract.DecodeOptions(raw, &o); err != nil {
		return nil, fmt.Errorf("mock options: %w", err)
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "payload"
	case "payload", "prompt":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, o.ResponseMode)
	}
	if o.DelayMS < 0 {
		o.DelayMS = 0
	}
	return &Client{prefix: o.Prefix, mode: mode, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

// Invoke 仅用于模块/流程调试：不发起网络请求。
func (c *Client) Invoke(ctx context.Context, item contract.WorkItem, p contract.Prompt) (contract.Response, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return contract.Response{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Response{}, err
	}

	var text string
	if c.mode == "prompt" {
		switch v := p.(type) {
		case contract.TextPrompt:
			text = fmt.Sprintf("%s(text): %s", c.prefix, string(v))
		case contract.ChatPrompt:
			if len(v) == 0 {
				text = fmt.Sprintf("%s(chat): <empty>", c.prefix)
			} else {
				text = fmt.Sprintf("%s(chat:%s): %s", c.prefix, v[0].Role, v[0].Content)
			}
		default:
			text = fmt.Sprintf("%s(unknown prompt type)", c.prefix)
		}
	} else {
		text = c.prefix + ": " + strings.Join(item.Payload, "\n")
	}
	n := (len(text) + 3) / 4
	return contract.Response{
		Text:         text,
		FinishReason: "STOP",
		Model:        "mock",
		Usage:        contract.Usage{OutputTokens: n, TotalTokens: n},
	}, nil
}

var _ contract.LLMClient = (*Client)(nil)

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Input: 数据源（文件路径或 "-" 表示 STDIN；sqlite loader 为数据库路径）。
	Input     string `json:"input"`
	OutputDir string `json:"output_dir"`

	// Mode: sequential | pooled。
	Mode        string `json:"mode"`
	Concurrency int    `json:"concurrency"`
	// Delay: 每次调用后的固定节流间隔；0 关闭。
	Delay *Duration `json:"delay,omitempty"`
	// CallTimeout: 单次调用超时；0 关闭。
	CallTimeout *Duration `json:"call_timeout,omitempty"`
	// Limit: 仅处理前 N 项；0 表示全部。
	Limit int `json:"limit"`
	// Resume: 已有检查点路径；非空时跳过其中已有结果的项。
	Resume string `json:"resume"`

	// MaxTokens: 固定提示开销（指令+上下文）的 token 上限，仅在启动时校验开销不超限；
	// 不逐项检查载荷。0 关闭。BytesPerToken 为估算参数。
	MaxTokens     int `json:"max_tokens"`
	BytesPerToken int `json:"bytes_per_token"`

	// Credentials: 服务账号文件，启动时导出为 GOOGLE_APPLICATION_CREDENTIALS（已设置则不覆盖）。
	Credentials string `json:"credentials"`
	// MetricsFile: 运行结束时写出 Prometheus 文本格式快照；空则不写。
	MetricsFile string  `json:"metrics_file"`
	Logging     Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Loader        string `json:"loader"`
	PromptBuilder string `json:"prompt_builder"`
	Checkpoint    string `json:"checkpoint"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Loader        json.RawMessage `json:"loader,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Duration 接受 Go 时长字符串（"300ms"、"10m"）或数字秒。
type Duration time.Duration

// D 返回 time.Duration；nil 视为 0。
func (d *Duration) D() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
		return nil
	case string:
		pd, err := ParseDuration(x)
		if err != nil {
			return err
		}
		*d = pd
		return nil
	}
	return fmt.Errorf("invalid duration %s", strings.TrimSpace(string(b)))
}

// ParseDuration 解析时长字符串；纯数字按秒计。
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if numeric(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return Duration(f * float64(time.Second)), nil
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(td), nil
}

func numeric(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		case (r == '-' || r == '+') && i == 0:
		default:
			return false
		}
	}
	return true
}

// Dur 构造 *Duration（便于字面量与测试）。
func Dur(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 配置文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		OutputDir:     ".",
		Mode:          "sequential",
		Concurrency:   120,
		Delay:         Dur(300 * time.Millisecond),
		CallTimeout:   Dur(10 * time.Minute),
		BytesPerToken: 4,
		Logging:       Logging{Level: "info"},
		Components: Components{
			Loader:        "jsonl",
			PromptBuilder: "template",
			Checkpoint:    "table",
			Writer:        "fs",
		},
	}
}

// LoadFile 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	}
	return LoadJSON("", b)
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 转为通用树再编码为 JSON，复用严格 JSON 解码；
// 组件 Options 子树因此仍以原样 JSON 传给工厂。
func LoadYAML(raw []byte) (Config, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if tree == nil {
		return Config{}, errors.New("yaml: empty document")
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	return LoadJSON("", b)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	// 顶层
	if s := strings.TrimSpace(over.Input); s != "" {
		out.Input = s
	}
	if s := strings.TrimSpace(over.OutputDir); s != "" {
		out.OutputDir = s
	}
	if s := strings.TrimSpace(over.Mode); s != "" {
		out.Mode = s
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// Delay/CallTimeout 的 0 具有语义（关闭），以指针区分“未覆盖”。
	if over.Delay != nil {
		out.Delay = Dur(over.Delay.D())
	}
	if over.CallTimeout != nil {
		out.CallTimeout = Dur(over.CallTimeout.D())
	}
	if over.Limit != 0 {
		out.Limit = over.Limit
	}
	if over.Resume != "" {
		out.Resume = over.Resume
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if over.Credentials != "" {
		out.Credentials = over.Credentials
	}
	if over.MetricsFile != "" {
		out.MetricsFile = over.MetricsFile
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	if over.Components.Loader != "" {
		out.Components.Loader = over.Components.Loader
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Checkpoint != "" {
		out.Components.Checkpoint = over.Components.Checkpoint
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.Loader) > 0 {
		out.Options.Loader = cloneRaw(over.Options.Loader)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Checkpoint) > 0 {
		out.Options.Checkpoint = cloneRaw(over.Options.Checkpoint)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}

	// LLM 名称
	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

// EnvPrefix 为环境变量覆盖的前缀。
const EnvPrefix = "LLMBATCH_"

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 支持：INPUT, OUTPUT_DIR, MODE, CONCURRENCY, DELAY, CALL_TIMEOUT, LIMIT, RESUME, MAX_TOKENS,
// CREDENTIALS, METRICS_FILE, LOG_LEVEL, LLM, COMPONENTS_*，
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON。
// 数值无法解析时返回错误。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// provider 聚合
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		nk := strings.TrimPrefix(key, EnvPrefix)
		tv := strings.TrimSpace(val)
		if tv == "" {
			// 空值视为未设置，避免清空配置文件中的值
			continue
		}
		num := func(dst *int) error {
			v, err := atoi(tv)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = v
			return nil
		}
		dur := func(dst **Duration) error {
			d, err := ParseDuration(tv)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = &d
			return nil
		}
		var err error
		switch nk {
		case "INPUT":
			over.Input = tv
		case "OUTPUT_DIR":
			over.OutputDir = tv
		case "MODE":
			over.Mode = tv
		case "CONCURRENCY":
			err = num(&over.Concurrency)
		case "DELAY":
			err = dur(&over.Delay)
		case "CALL_TIMEOUT":
			err = dur(&over.CallTimeout)
		case "LIMIT":
			err = num(&over.Limit)
		case "RESUME":
			over.Resume = tv
		case "MAX_TOKENS":
			err = num(&over.MaxTokens)
		case "CREDENTIALS":
			over.Credentials = tv
		case "METRICS_FILE":
			over.MetricsFile = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "LLM":
			over.LLM = tv
		case "COMPONENTS_LOADER":
			over.Components.Loader = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_CHECKPOINT":
			over.Components.Checkpoint = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			p := prov[name]
			switch strings.Join(parts[2:], "__") {
			case "CLIENT":
				p.Client = tv
			case "LIMITS_RPM":
				err = num(&p.Limits.RPM)
			case "LIMITS_TPM":
				err = num(&p.Limits.TPM)
			case "LIMITS_MAX_TOKENS_PER_REQ":
				err = num(&p.Limits.MaxTokensPerReq)
			case "OPTIONS_JSON":
				if !json.Valid([]byte(tv)) {
					err = fmt.Errorf("env %s: invalid json", key)
				}
				p.Options = json.RawMessage(tv)
			default:
				continue
			}
			prov[name] = p
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// LoadDotEnv 读取 KEY=VALUE 形式的 .env 文件，返回 environ 形式的条目。
// 文件不存在返回 (nil, nil)。支持注释、export 前缀与成对引号。
func LoadDotEnv(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		k := strings.TrimSpace(line[:eq])
		v := strings.TrimSpace(line[eq+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out = append(out, k+"="+v)
	}
	return out, sc.Err()
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

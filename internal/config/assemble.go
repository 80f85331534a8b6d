package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llmbatch/internal/pipeline"
	"llmbatch/internal/rate"
	"llmbatch/pkg/contract"
	"llmbatch/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.New("config: input empty")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return errors.New("config: output_dir empty")
	}
	switch pipeline.Mode(cfg.Mode) {
	case pipeline.ModeSequential, pipeline.ModePooled:
	default:
		return fmt.Errorf("config: mode %q must be sequential or pooled", cfg.Mode)
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.Delay.D() < 0 || cfg.CallTimeout.D() < 0 {
		return errors.New("config: delay and call_timeout must be >= 0")
	}
	if cfg.Limit < 0 {
		return errors.New("config: limit must be >= 0")
	}
	if cfg.MaxTokens < 0 || cfg.BytesPerToken < 0 {
		return errors.New("config: max_tokens and bytes_per_token must be >= 0")
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("config: provider %q limits must be >= 0", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Loader, d.Loader); registry.Loader[name] == nil {
		return fmt.Errorf("config: loader %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Checkpoint, d.Checkpoint); registry.Checkpoint[name] == nil {
		return fmt.Errorf("config: checkpoint %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// outputLimited 由报告生成上限的 LLM 客户端实现（用于闸门 token 估算）。
type outputLimited interface {
	MaxOutputTokens() int
}

// Assemble 构造 Components 与 Settings。stamp 为运行开始时间戳。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 调用方负责关闭 Components.Checkpoint。
func Assemble(cfg Config, stamp string) (comp pipeline.Components, set pipeline.Settings, err error) {
	if err := Validate(cfg); err != nil {
		return comp, set, err
	}

	// 有效名称
	d := Defaults().Components
	ln := effName(cfg.Components.Loader, d.Loader)
	pn := effName(cfg.Components.PromptBuilder, d.PromptBuilder)
	cn := effName(cfg.Components.Checkpoint, d.Checkpoint)
	wn := effName(cfg.Components.Writer, d.Writer)

	// 构造实例
	loader, err := registry.Loader[ln](cfg.Options.Loader)
	if err != nil {
		return comp, set, fmt.Errorf("loader %s: %w", ln, err)
	}
	pb, err := registry.PromptBuilder[pn](cfg.Options.PromptBuilder)
	if err != nil {
		return comp, set, fmt.Errorf("prompt_builder %s: %w", pn, err)
	}
	wraw, err := withOutputDir(cfg.Options.Writer, cfg.OutputDir)
	if err != nil {
		return comp, set, fmt.Errorf("writer %s: %w", wn, err)
	}
	w, err := registry.Writer[wn](wraw)
	if err != nil {
		return comp, set, fmt.Errorf("writer %s: %w", wn, err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return comp, set, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}
	maxOut := 0
	if ol, ok := llm.(outputLimited); ok {
		maxOut = ol.MaxOutputTokens()
	}

	// 检查点最后构造：其后无失败路径，避免泄漏已打开的文件/数据库
	cp, err := registry.Checkpoint[cn](cfg.Options.Checkpoint, contract.CheckpointTarget{
		Dir:    cfg.OutputDir,
		Stamp:  stamp,
		Resume: cfg.Resume,
	})
	if err != nil {
		return comp, set, fmt.Errorf("checkpoint %s: %w", cn, err)
	}

	comp = pipeline.Components{
		Loader:        loader,
		PromptBuilder: pb,
		LLM:           llm,
		Checkpoint:    cp,
		Writer:        w,
		Throttle:      rate.NewThrottle(cfg.Delay.D()),
	}

	// 限流 Gate（仅在配置了限额时启用；分组键从 options 中派生 API Key）
	lim := rate.Limits{RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq}
	if lim != (rate.Limits{}) {
		// 默认使用 API Key 派生分组键（更稳定）；若失败则退化为 provider 名称。
		key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
		if derr != nil {
			key = rate.LimitKey(cfg.LLM)
		}
		comp.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{key: lim}, nil)
		comp.GateKey = key
	}

	set = pipeline.Settings{
		Source:          cfg.Input,
		Mode:            pipeline.Mode(cfg.Mode),
		Concurrency:     cfg.Concurrency,
		Limit:           cfg.Limit,
		Stamp:           stamp,
		CallTimeout:     cfg.CallTimeout.D(),
		MaxTokens:       cfg.MaxTokens,
		BytesPerToken:   cfg.BytesPerToken,
		MaxOutputTokens: maxOut,
		LLMName:         cfg.LLM,
	}
	return comp, set, nil
}

// withOutputDir 在 writer options 缺少 output_dir 时注入顶层 output_dir。
func withOutputDir(raw json.RawMessage, dir string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
	}
	if _, ok := obj["output_dir"]; ok {
		return raw, nil
	}
	b, err := json.Marshal(dir)
	if err != nil {
		return nil, err
	}
	obj["output_dir"] = b
	return json.Marshal(obj)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

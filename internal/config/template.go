package config

import (
	"encoding/json"
	"time"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM（本地/离线调试友好），同时给出 gemini/openai provider 定义；
// - 默认输入为 STDIN（"-"），输出到 ./out 目录；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Input:         "-",
		OutputDir:     "out",
		Mode:          d.Mode,
		Concurrency:   d.Concurrency,
		Delay:         Dur(300 * time.Millisecond),
		CallTimeout:   Dur(10 * time.Minute),
		BytesPerToken: d.BytesPerToken,
		Credentials:   "",
		Logging:       Logging{Level: "info"},
		Components:    d.Components,
		LLM:           "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"","delay_ms":0}`),
				Limits:  Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 0},
			},
			"gemini": {
				Client: "gemini",
				// 覆盖全部 Gemini 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "backend": "vertex",
  "project": "",
  "location": "us-central1",
  "model": "gemini-1.5-pro",
  "api_key_env": "GOOGLE_API_KEY",
  "base_url": "",
  "timeout_seconds": 600,
  "max_output_tokens": 8150,
  "temperature": 0.5,
  "top_p": 0.95,
  "safety": {}
}`),
				Limits: Limits{},
			},
			"openai": {
				Client: "openai",
				// 覆盖全部 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "timeout_seconds": 600,
  "temperature": null,
  "top_p": null,
  "max_tokens": 0,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{},
			},
		},
	}
	cfg.Options.Loader = json.RawMessage(`{
  "id_field": "IDX_PACKET",
  "text_fields": ["DATA_LIST"]
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "preset": "transcript",
  "context_path": ""
}`)
	cfg.Options.Checkpoint = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}

// DotEnvTemplate 为 init-config 生成的 .env 内容。
const DotEnvTemplate = `# llmbatch .env 模板（由 init-config 生成）
# 优先级：CLI > ENV(.env) > 配置文件
# 已存在的进程环境变量不会被 .env 覆盖。

# LLMBATCH_LLM=gemini
# LLMBATCH_MODE=sequential
# LLMBATCH_CONCURRENCY=120
# LLMBATCH_DELAY=300ms
# LLMBATCH_CALL_TIMEOUT=10m
# LLMBATCH_OUTPUT_DIR=out
# LLMBATCH_CREDENTIALS=./service_account.json
# LLMBATCH_PROVIDER__gemini__LIMITS_RPM=60

# GOOGLE_CLOUD_PROJECT=
# GOOGLE_API_KEY=
# OPENAI_API_KEY=
`

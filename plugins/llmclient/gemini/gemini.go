package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"llmbatch/pkg/contract"
)

// Options: Gemini 客户端配置（google.golang.org/genai）。
// 后端：Backend="vertex" 走 Vertex AI（project+location，凭据取 ADC / GOOGLE_APPLICATION_CREDENTIALS）；
// Backend="gemini" 走 Gemini API（api_key）。为空时：有 project 则 vertex，否则 gemini。
type Options struct {
	Backend   string `json:"backend,omitempty"`
	Model     string `json:"model,omitempty"`    // 默认 gemini-1.5-pro
	Project   string `json:"project,omitempty"`  // 为空时读取 GOOGLE_CLOUD_PROJECT
	Location  string `json:"location,omitempty"` // 默认 us-central1
	APIKey    string `json:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"` // 默认 GOOGLE_API_KEY
	BaseURL   string `json:"base_url,omitempty"`    // 覆盖服务地址（测试/代理）
	// 客户端超时（秒）。<=0 时默认 600 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// 生成参数：运行期固定。
	MaxOutputTokens *int32   `json:"max_output_tokens,omitempty"` // 默认 8150
	Temperature     *float32 `json:"temperature,omitempty"`       // 默认 0.5
	TopP            *float32 `json:"top_p,omitempty"`             // 默认 0.95
	// 安全策略：category→threshold（如 HARM_CATEGORY_HATE_SPEECH→BLOCK_ONLY_HIGH）。
	// 为空时四个类别均为 BLOCK_ONLY_HIGH。
	Safety map[string]string `json:"safety,omitempty"`
}

const (
	defaultModel     = "gemini-1.5-pro"
	defaultLocation  = "us-central1"
	defaultMaxOutput = int32(8150)
	defaultTemp      = float32(0.5)
	defaultTopP      = float32(0.95)
)

// DefaultSafety 返回默认安全策略（四类 BLOCK_ONLY_HIGH）。
func DefaultSafety() []*genai.SafetySetting {
	cats := []genai.HarmCategory{
		genai.HarmCategoryHateSpeech,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryHarassment,
	}
	out := make([]*genai.SafetySetting, 0, len(cats))
	for _, c := range cats {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockOnlyHigh})
	}
	return out
}

type Client struct {
	models *genai.Models
	model  string
	cfg    *genai.GenerateContentConfig
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if err := contract.DecodeOptions(raw, &o); err != nil {
		return nil, fmt.Errorf("gemini options: %w", err)
	}
	cc, err := clientConfig(&o)
	if err != nil {
		return nil, err
	}
	cfg, err := generateConfig(&o)
	if err != nil {
		return nil, err
	}
	gc, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := o.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{models: gc.Models, model: model, cfg: cfg}, nil
}

func clientConfig(o *Options) (*genai.ClientConfig, error) {
	if o.Project == "" {
		o.Project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	backend := strings.ToLower(strings.TrimSpace(o.Backend))
	if backend == "" {
		backend = "gemini"
		if o.Project != "" {
			backend = "vertex"
		}
	}
	timeout := time.Duration(o.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cc := &genai.ClientConfig{HTTPClient: &http.Client{Timeout: timeout}}
	if o.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(o.BaseURL, "/") + "/"}
	}
	switch backend {
	case "vertex":
		if o.Project == "" {
			return nil, fmt.Errorf("gemini: %w: vertex backend requires project", contract.ErrInvalidInput)
		}
		loc := o.Location
		if loc == "" {
			loc = defaultLocation
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = o.Project
		cc.Location = loc
	case "gemini":
		if key == "" {
			return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = key
	default:
		return nil, fmt.Errorf("gemini: %w: unknown backend %q", contract.ErrInvalidInput, o.Backend)
	}
	return cc, nil
}

func generateConfig(o *Options) (*genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: defaultMaxOutput,
		Temperature:     genai.Ptr(defaultTemp),
		TopP:            genai.Ptr(defaultTopP),
		SafetySettings:  DefaultSafety(),
	}
	if o.MaxOutputTokens != nil {
		if *o.MaxOutputTokens <= 0 {
			return nil, fmt.Errorf("gemini: %w: max_output_tokens must be > 0", contract.ErrInvalidInput)
		}
		cfg.MaxOutputTokens = *o.MaxOutputTokens
	}
	if o.Temperature != nil {
		cfg.Temperature = genai.Ptr(*o.Temperature)
	}
	if o.TopP != nil {
		cfg.TopP = genai.Ptr(*o.TopP)
	}
	if len(o.Safety) > 0 {
		cfg.SafetySettings = make([]*genai.SafetySetting, 0, len(o.Safety))
		for _, cat := range sortedKeys(o.Safety) {
			th := strings.ToUpper(strings.TrimSpace(o.Safety[cat]))
			if !strings.HasPrefix(cat, "HARM_CATEGORY_") || th == "" {
				return nil, fmt.Errorf("gemini: %w: bad safety setting %s=%s", contract.ErrInvalidInput, cat, th)
			}
			cfg.SafetySettings = append(cfg.SafetySettings, &genai.SafetySetting{
				Category:  genai.HarmCategory(strings.ToUpper(cat)),
				Threshold: genai.HarmBlockThreshold(th),
			})
		}
	}
	return cfg, nil
}

// MaxOutputTokens 返回生成上限（供限流闸门预估 token）。
func (c *Client) MaxOutputTokens() int { return int(c.cfg.MaxOutputTokens) }

var _ contract.LLMClient = (*Client)(nil)

// upstreamError 实现 net.Error 与 contract.UpstreamError；4xx 解包为对应哨兵错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout || e.status == http.StatusGatewayTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Unwrap() error {
	switch {
	case e.status == http.StatusTooManyRequests:
		return contract.ErrRateLimited
	case e.status/100 == 4 && e.status != http.StatusRequestTimeout:
		return contract.ErrInvalidInput
	}
	return nil
}

// contents 将 Prompt 转为 genai 内容；system 消息并入 SystemInstruction。
func contents(p contract.Prompt) ([]*genai.Content, *genai.Content, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return genai.Text(string(v)), nil, nil
	case contract.ChatPrompt:
		var sys *genai.Content
		out := make([]*genai.Content, 0, len(v))
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "system":
				if sys == nil {
					sys = &genai.Content{}
				}
				sys.Parts = append(sys.Parts, &genai.Part{Text: m.Content})
			case "assistant", "model":
				out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
			default:
				out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
			}
		}
		if len(out) == 0 {
			return nil, nil, fmt.Errorf("gemini: %w: empty chat prompt", contract.ErrInvalidInput)
		}
		return out, sys, nil
	default:
		return nil, nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
}

// Invoke: 单次调用，同步返回。拦截（prompt 或候选被安全策略阻断）视为失败。
func (c *Client) Invoke(ctx context.Context, item contract.WorkItem, p contract.Prompt) (contract.Response, error) {
	parts, sys, err := contents(p)
	if err != nil {
		return contract.Response{}, err
	}
	cfg := c.cfg
	if sys != nil {
		cp := *c.cfg
		cp.SystemInstruction = sys
		cfg = &cp
	}
	resp, err := c.models.GenerateContent(ctx, c.model, parts, cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contract.Response{}, ctxErr
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return contract.Response{}, upstreamError{status: apiErr.Code, msg: strings.TrimSpace(apiErr.Message)}
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
			return contract.Response{}, upstreamError{status: apiErrPtr.Code, msg: strings.TrimSpace(apiErrPtr.Message)}
		}
		return contract.Response{}, fmt.Errorf("gemini: %w", err)
	}
	return toResponse(resp)
}

func toResponse(resp *genai.GenerateContentResponse) (contract.Response, error) {
	if resp == nil {
		return contract.Response{}, contract.ErrResponseInvalid
	}
	out := contract.Response{Model: resp.ModelVersion}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = contract.Usage{
			PromptTokens: int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		out.BlockReason = string(pf.BlockReason)
		return out, fmt.Errorf("gemini prompt blocked (%s): %w", pf.BlockReason, contract.ErrBlocked)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return out, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	out.FinishReason = string(resp.Candidates[0].FinishReason)
	out.Text = resp.Text()
	if out.Text == "" {
		if blockedFinish(resp.Candidates[0].FinishReason) {
			return out, fmt.Errorf("gemini candidate blocked (%s): %w", out.FinishReason, contract.ErrBlocked)
		}
		return out, fmt.Errorf("gemini: empty text (finish=%s): %w", out.FinishReason, contract.ErrResponseInvalid)
	}
	return out, nil
}

func blockedFinish(r genai.FinishReason) bool {
	switch string(r) {
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return true
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

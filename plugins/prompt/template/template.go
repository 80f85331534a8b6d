package template

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	ttpl "text/template"

	"llmbatch/pkg/contract"
)

// Options 为分隔块式 PromptBuilder 的配置。
// 指令来源优先级：InlineInstruction > InstructionPath > Preset（默认 transcript）。
// 共享上下文：InlineContext > ContextPath；均为空时省略 CONTEXT 块。
type Options struct {
	Preset            string `json:"preset,omitempty"`
	InlineInstruction string `json:"inline_instruction,omitempty"`
	InstructionPath   string `json:"instruction_path,omitempty"`
	InlineContext     string `json:"inline_context,omitempty"`
	ContextPath       string `json:"context_path,omitempty"`
	// Vars: 指令按 text/template 渲染时可引用的变量（{{.name}}），构造期渲染一次。
	Vars map[string]string `json:"vars,omitempty"`
	// Fields: 选取的载荷位置（0 起），为空表示全部按序。
	Fields []int `json:"fields,omitempty"`
}

const (
	contextStart  = "###### CONTEXT START ######"
	contextEnd    = "###### CONTEXT END ######"
	questionStart = "###### QUESTION START ######"
	questionEnd   = "###### QUESTION END ######"
)

// Builder: 将“指令 + 可选上下文 + 工作项载荷”渲染为单条文本提示。
// 运行期不做 I/O；指令与上下文在构造期读入并固定。
type Builder struct {
	head   string // 指令与上下文块（已拼好，含末尾空行）
	fields []int
}

// New 创建 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	instr, err := loadInstruction(o)
	if err != nil {
		return nil, err
	}
	ctxDoc := o.InlineContext
	if ctxDoc == "" && o.ContextPath != "" {
		b, err := os.ReadFile(o.ContextPath)
		if err != nil {
			return nil, fmt.Errorf("context read: %w", err)
		}
		ctxDoc = string(b)
	}
	for _, f := range o.Fields {
		if f < 0 {
			return nil, fmt.Errorf("prompt: %w: negative field index %d", contract.ErrInvalidInput, f)
		}
	}

	var hb strings.Builder
	hb.WriteString(instr)
	hb.WriteString("\n\n")
	if ctxDoc != "" {
		hb.WriteString(contextStart + "\n")
		hb.WriteString(ctxDoc)
		hb.WriteString("\n" + contextEnd + "\n\n")
	}
	return &Builder{head: hb.String(), fields: append([]int(nil), o.Fields...)}, nil
}

func loadInstruction(o Options) (string, error) {
	src := o.InlineInstruction
	if src == "" && o.InstructionPath != "" {
		b, err := os.ReadFile(o.InstructionPath)
		if err != nil {
			return "", fmt.Errorf("instruction read: %w", err)
		}
		src = string(b)
	}
	if src == "" {
		name := o.Preset
		if name == "" {
			name = PresetTranscript
		}
		p, ok := presets[name]
		if !ok {
			return "", fmt.Errorf("prompt: %w: unknown preset %q", contract.ErrInvalidInput, name)
		}
		// 预设为纯文本，不经模板渲染
		return strings.TrimSpace(p), nil
	}
	tpl, err := ttpl.New("instruction").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("instruction parse: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, o.Vars); err != nil {
		return "", fmt.Errorf("instruction render: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var _ contract.PromptBuilder = (*Builder)(nil)

// Build 渲染 TextPrompt。载荷原样写入，不做校验与截断；整体去除首尾空白。
func (b *Builder) Build(ctx context.Context, item contract.WorkItem) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts, err := b.pick(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("prompt item %s: %w", item.ID, err)
	}
	var sb strings.Builder
	n := len(b.head) + len(questionStart) + len(questionEnd) + 4
	for _, p := range parts {
		n += len(p) + 1
	}
	sb.Grow(n)
	sb.WriteString(b.head)
	sb.WriteString(questionStart + "\n")
	for _, p := range parts {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	sb.WriteString(questionEnd)
	return contract.TextPrompt(strings.TrimSpace(sb.String())), nil
}

func (b *Builder) pick(payload []string) ([]string, error) {
	if len(b.fields) == 0 {
		return payload, nil
	}
	out := make([]string, 0, len(b.fields))
	for _, f := range b.fields {
		if f >= len(payload) {
			return nil, fmt.Errorf("%w: payload has %d fields, want index %d", contract.ErrInvalidInput, len(payload), f)
		}
		out = append(out, payload[f])
	}
	return out, nil
}

// EstimateOverheadTokens: 指令、上下文与分隔标记的近似 token 数（不含载荷）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	return estimate(b.head + questionStart + "\n" + questionEnd)
}

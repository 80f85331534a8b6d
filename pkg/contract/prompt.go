package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 WorkItem 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O（共享上下文在构造期读入）；
//   - 不隐式修改业务内容；
//   - 相同输入得到逐字节相同的输出。
type PromptBuilder interface {
	Build(ctx context.Context, item WorkItem) (Prompt, error)
	// EstimateOverheadTokens: 估算“与工作项无关的固定提示词开销”的近似 token 数。
	// 仅包含固定部分（指令、共享上下文、分隔标记），不得包含工作项载荷。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int

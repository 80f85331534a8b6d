package contract

// ItemID: 工作项标识（同一次运行内唯一）。整型来源统一格式化为十进制字符串。
type ItemID string

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// WorkItem: 原子输入单元。
// 约束：
// - ID 非空；
// - Payload 至少一个文本字段，按数据源列顺序排列，原样透传（不做清洗）；
// - 加载后只读，运行期不修改。
type WorkItem struct {
	ID      ItemID
	Payload []string
	Meta    Meta // 可为 nil
}

// Usage: 上游返回的 token 计量（缺省为 0）。
type Usage struct {
	PromptTokens int `json:"prompt_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// Response: LLM 返回的不透明结果载荷。
// 约束：Text 原样保存，不做截断/归一化。
type Response struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	BlockReason  string `json:"block_reason,omitempty"`
	Model        string `json:"model,omitempty"`
	Usage        Usage  `json:"usage"`
}

// ResultRecord: 结果表中的一行。列名沿用 {result, packet}。
// Result 为 nil 表示失败标记；持久化的结果表只保存成功行。
type ResultRecord struct {
	Result *Response `json:"result"`
	ID     ItemID    `json:"packet"`
}

// Present 报告该行是否携带结果。
func (r ResultRecord) Present() bool { return r.Result != nil }

// Clone 复制 Response，避免引用共享导致意外修改。
func (r ResultRecord) Clone() ResultRecord {
	if r.Result == nil {
		return r
	}
	cp := *r.Result
	return ResultRecord{ID: r.ID, Result: &cp}
}

// Outcome: 单次提交的显式结果（成功载荷 | 失败原因），以返回值传播，不经 panic/异常。
type Outcome struct {
	ID     ItemID
	Result *Response
	Err    error
}

// OK 报告调用是否成功。
func (o Outcome) OK() bool { return o.Err == nil && o.Result != nil }

// Record 将 Outcome 投影为结果表行（失败时 Result 为 nil）。
func (o Outcome) Record() ResultRecord {
	if !o.OK() {
		return ResultRecord{ID: o.ID}
	}
	return ResultRecord{ID: o.ID, Result: o.Result}
}

package registry

import (
	"encoding/json"

	"llmbatch/pkg/contract"
	cpbolt "llmbatch/plugins/checkpoint/bolt"
	cpsql "llmbatch/plugins/checkpoint/sqlite"
	cptable "llmbatch/plugins/checkpoint/table"
	"llmbatch/plugins/llmclient/flaky"
	gmi "llmbatch/plugins/llmclient/gemini"
	"llmbatch/plugins/llmclient/mock"
	oai "llmbatch/plugins/llmclient/openai"
	lcsv "llmbatch/plugins/loader/csv"
	ljsonl "llmbatch/plugins/loader/jsonl"
	lsql "llmbatch/plugins/loader/sqlite"
	ptpl "llmbatch/plugins/prompt/template"
	wfs "llmbatch/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	return contract.DecodeOptions(raw, v)
}

// NewLoader 工厂签名：接收原样 JSON Options。
type NewLoader func(raw json.RawMessage) (contract.Loader, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewCheckpoint 工厂签名：额外接收由装配层计算的检查点位置。
type NewCheckpoint func(raw json.RawMessage, target contract.CheckpointTarget) (contract.Checkpoint, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Loader 工厂注册表（显式、零反射）。
var Loader = map[string]NewLoader{
	// jsonl: 每行一个 JSON 对象；"-" 读取 STDIN
	"jsonl": func(raw json.RawMessage) (contract.Loader, error) {
		var opts ljsonl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ljsonl.New(&opts)
	},
	"csv": func(raw json.RawMessage) (contract.Loader, error) {
		var opts lcsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lcsv.New(&opts)
	},
	"sqlite": func(raw json.RawMessage) (contract.Loader, error) {
		var opts lsql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lsql.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// template: 指令 + 可选共享上下文 + QUESTION 块
	"template": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ptpl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ptpl.New(&opts)
	},
}

// LLMClient 工厂注册表。客户端自行解码选项。
var LLMClient = map[string]NewLLMClient{
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Checkpoint 工厂注册表。
var Checkpoint = map[string]NewCheckpoint{
	// table: 每次追加整体重写 JSONL 文件
	"table": func(raw json.RawMessage, target contract.CheckpointTarget) (contract.Checkpoint, error) {
		var opts cptable.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cptable.New(&opts, target)
	},
	// sqlite: 增量插入，WAL
	"sqlite": func(raw json.RawMessage, target contract.CheckpointTarget) (contract.Checkpoint, error) {
		var opts cpsql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cpsql.New(&opts, target)
	},
	// bolt: 追加式 bbolt 桶
	"bolt": func(raw json.RawMessage, target contract.CheckpointTarget) (contract.Checkpoint, error) {
		var opts cpbolt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cpbolt.New(&opts, target)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

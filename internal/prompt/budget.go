package prompt

import "llmbatch/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 计算预扣“固定提示开销”后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	est := MakeEstimator(bytesPerToken)
	overhead := pb.EstimateOverheadTokens(est)
	return maxTokens - overhead, overhead
}

// PayloadTokens 估算单个工作项载荷的 token 数（各字段之和，分隔换行各计 1 字节）。
func PayloadTokens(est contract.TokenEstimator, item contract.WorkItem) int {
	n := 0
	for i, f := range item.Payload {
		if i > 0 {
			n++ // 换行
		}
		n += len(f)
	}
	if n == 0 {
		return 0
	}
	// 估算器按字节工作；用与载荷等长的占位串避免拼接大字符串
	return est(string(make([]byte, n)))
}

// AskTokens 估算一次调用向限流闸门申请的 token：固定开销 + 载荷 + 预期输出上限。
func AskTokens(overhead int, est contract.TokenEstimator, item contract.WorkItem, maxOutput int) int {
	if maxOutput < 0 {
		maxOutput = 0
	}
	return overhead + PayloadTokens(est, item) + maxOutput
}

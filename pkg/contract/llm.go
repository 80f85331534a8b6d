package contract

import (
	"context"
	"errors"
)

// LLMClient: 以单个工作项为单位与大模型交互。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 生成参数与安全策略在构造期固定，运行期不变。
type LLMClient interface {
	Invoke(ctx context.Context, item WorkItem, p Prompt) (Response, error)
}

// 最小错误分类（用于日志与指标）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrBlocked         = errors.New("content blocked")
	ErrInvalidInput    = errors.New("invalid input")
)

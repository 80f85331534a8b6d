package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"llmbatch/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeBlocked   Code = "blocked"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误、上游状态码与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrBlocked) {
		return CodeBlocked
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrDuplicateID) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// 上游 HTTP：429 视为配额，其余 4xx 视为协议，5xx 视为网络
	var uerr contract.UpstreamError
	if errors.As(err, &uerr) {
		switch st := uerr.UpstreamStatus(); {
		case st == http.StatusTooManyRequests:
			return CodeBudget
		case st >= 400 && st < 500:
			return CodeProtocol
		case st >= 500:
			return CodeNetwork
		}
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// UpstreamKV 提取上游错误的状态码与消息片段（用于 ErrorWithKV）；非上游错误返回 nil。
func UpstreamKV(err error) map[string]string {
	var uerr contract.UpstreamError
	if !errors.As(err, &uerr) {
		return nil
	}
	kv := map[string]string{}
	if st := uerr.UpstreamStatus(); st > 0 {
		kv["http_status"] = http.StatusText(st)
		kv["status_code"] = strconv.Itoa(st)
	}
	if msg := uerr.UpstreamMessage(); msg != "" {
		kv["upstream"] = truncate(msg, 256)
	}
	return kv
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

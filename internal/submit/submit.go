// Package submit 对单个工作项执行一次模型调用，并把任何失败转换为失败标记。
package submit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"llmbatch/internal/diag"
	"llmbatch/internal/prompt"
	"llmbatch/internal/rate"
	"llmbatch/pkg/contract"
)

// Options 构造 Submitter 所需的组件与参数。Builder 与 Client 必需，其余可选。
type Options struct {
	Builder contract.PromptBuilder
	Client  contract.LLMClient
	// Gate/GateKey: 可选的 RPM/TPM 闸门；Gate 为 nil 时不限流。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// Throttle: 进程级固定间隔节流；每次调用结束后（无论成败）执行。
	Throttle *rate.Throttle
	// CallTimeout: 单次调用超时；<=0 表示不设置。
	CallTimeout time.Duration
	// BytesPerToken/MaxOutputTokens: 闸门 token 估算参数。
	BytesPerToken   int
	MaxOutputTokens int
	Logger          *diag.Logger
}

// Submitter 并发安全：自身无可变状态，共享的节流器与闸门自行同步。
type Submitter struct {
	builder   contract.PromptBuilder
	client    contract.LLMClient
	gate      rate.Gate
	key       rate.LimitKey
	throttle  *rate.Throttle
	timeout   time.Duration
	est       contract.TokenEstimator
	overhead  int
	maxOutput int
	logger    *diag.Logger
}

func New(o Options) (*Submitter, error) {
	if o.Builder == nil || o.Client == nil {
		return nil, fmt.Errorf("submit: %w: builder and client required", contract.ErrInvalidInput)
	}
	est := prompt.MakeEstimator(o.BytesPerToken)
	return &Submitter{
		builder:   o.Builder,
		client:    o.Client,
		gate:      o.Gate,
		key:       o.GateKey,
		throttle:  o.Throttle,
		timeout:   o.CallTimeout,
		est:       est,
		overhead:  o.Builder.EstimateOverheadTokens(est),
		maxOutput: o.MaxOutputTokens,
		logger:    o.Logger,
	}, nil
}

// Submit 构建提示词、（可选）等待闸门、调用一次模型，随后持节流锁睡眠固定间隔。
// 任何失败均以 Outcome.Err 返回并记录日志，不向上传播。
func (s *Submitter) Submit(ctx context.Context, item contract.WorkItem) contract.Outcome {
	id := string(item.ID)
	t0 := time.Now()
	timer := s.logger.StartWith("submit", "invoke", id)

	resp, err := s.call(ctx, item)

	if perr := s.throttle.Pause(ctx); perr == nil && s.throttle.Delay() > 0 {
		s.logger.Info("submit", "throttle", map[string]string{
			"item_id":  id,
			"delay_ms": strconv.FormatInt(s.throttle.Delay().Milliseconds(), 10),
		})
	}

	if err != nil {
		code := diag.Classify(err)
		kv := diag.UpstreamKV(err)
		if kv == nil {
			kv = make(map[string]string, 1)
		}
		kv["error"] = err.Error()
		s.logger.ErrorWithKV("submit", string(code), "call failed", &t0, id, kv)
		diag.IncOp("submit", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("submit", string(code))
		}
		return contract.Outcome{ID: item.ID, Err: err}
	}
	timer.Finish("invoke", int64(resp.Usage.TotalTokens))
	diag.IncOp("submit", "finish", "success")
	diag.ObserveDuration("submit", "invoke", time.Since(t0).Milliseconds())
	return contract.Outcome{ID: item.ID, Result: &resp}
}

func (s *Submitter) call(ctx context.Context, item contract.WorkItem) (contract.Response, error) {
	p, err := s.builder.Build(ctx, item)
	if err != nil {
		return contract.Response{}, fmt.Errorf("build prompt: %w", err)
	}
	if s.gate != nil {
		ask := rate.Ask{Key: s.key, Requests: 1, Tokens: prompt.AskTokens(s.overhead, s.est, item, s.maxOutput)}
		if err := s.gate.Wait(ctx, ask); err != nil {
			return contract.Response{}, fmt.Errorf("rate gate: %w", err)
		}
	}
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.client.Invoke(callCtx, item, p)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return contract.Response{}, fmt.Errorf("call timeout after %s: %w", s.timeout, err)
		}
		return contract.Response{}, err
	}
	return resp, nil
}

package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"llmbatch/pkg/contract"
)

// LimitKey: 限流分组键（例如 provider+key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度是一个令牌桶：容量=每分钟额度，匀速补充，初始为满。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = perMinute(lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = perMinute(lim.TPM)
	}
	return e
}

func perMinute(n int) *xrate.Limiter {
	return xrate.NewLimiter(xrate.Limit(float64(n)/60.0), n)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (a Ask) valid() bool { return a.Requests > 0 && a.Tokens >= 0 }

// reserve 在两个维度上同时预留；任一维度不可能满足时撤销并返回 ok=false。
func (e *entry) reserve(now time.Time, a Ask) (rs []*xrate.Reservation, delay time.Duration, ok bool) {
	take := func(l *xrate.Limiter, n int) bool {
		if l == nil || n <= 0 {
			return true
		}
		r := l.ReserveN(now, n)
		if !r.OK() {
			return false
		}
		rs = append(rs, r)
		if d := r.DelayFrom(now); d > delay {
			delay = d
		}
		return true
	}
	if !take(e.req, a.Requests) || !take(e.tok, a.Tokens) {
		cancelAll(rs, now)
		return nil, 0, false
	}
	return rs, delay, true
}

func cancelAll(rs []*xrate.Reservation, now time.Time) {
	for _, r := range rs {
		r.CancelAt(now)
	}
}

func (g *gate) Try(a Ask) bool {
	if !a.valid() {
		return false
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, delay, ok := e.reserve(now, a)
	if !ok {
		return false
	}
	if delay > 0 {
		cancelAll(rs, now)
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if !a.valid() {
		return contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("%w: %d tokens > max_tokens_per_req %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := g.clk()
	e.mu.Lock()
	rs, delay, ok := e.reserve(now, a)
	e.mu.Unlock()
	if !ok {
		// 请求量超过桶容量，永远无法满足
		return fmt.Errorf("%w: ask exceeds per-minute capacity", contract.ErrBudgetExceeded)
	}
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		e.mu.Lock()
		cancelAll(rs, g.clk())
		e.mu.Unlock()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。关闭的维度返回 0。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	avail := func(l *xrate.Limiter) int {
		if l == nil {
			return 0
		}
		v := math.Floor(l.TokensAt(now))
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return avail(e.req), avail(e.tok)
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)

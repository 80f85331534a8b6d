package rate

import (
	"context"
	"time"
)

// Throttle: 进程级固定间隔节流。
// 锁为 1 槽 channel 信号量（等待可随 ctx 取消）；每次 Pause 占住槽位并睡眠 delay，
// 所有调用方共享同一槽位，因此无论多少 worker，连续两次放行之间至少间隔 delay。
type Throttle struct {
	sem   chan struct{}
	delay time.Duration
}

// NewThrottle 构造节流器；delay<=0 时 Pause 立即返回。
func NewThrottle(delay time.Duration) *Throttle {
	return &Throttle{sem: make(chan struct{}, 1), delay: delay}
}

// Delay 返回固定间隔。
func (t *Throttle) Delay() time.Duration {
	if t == nil {
		return 0
	}
	return t.delay
}

// Pause 占住槽位后睡眠 delay 再释放。等待与睡眠期间均响应 ctx 取消。
func (t *Throttle) Pause(ctx context.Context) error {
	if t == nil || t.delay <= 0 {
		return nil
	}
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sem }()
	tm := time.NewTimer(t.delay)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

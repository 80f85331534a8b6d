package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"llmbatch/internal/accum"
	"llmbatch/internal/diag"
	"llmbatch/internal/prompt"
	"llmbatch/internal/rate"
	"llmbatch/internal/submit"
	"llmbatch/pkg/contract"
)

// - 单写者：检查点只由一个收集者写入（顺序模式即主循环，并发模式为单独的收集 goroutine）。
// - 失败不中断：单项失败转为失败标记；只有检查点/输出写入失败或取消才中止运行。
// - 取消：停止派发新项；已完成的结果仍写入检查点，最终产物不写出。

// Mode 提交调度方式。
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModePooled     Mode = "pooled"
)

// Components 聚合运行所需的原子组件。
type Components struct {
	Loader        contract.Loader
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Checkpoint    contract.Checkpoint
	Writer        contract.Writer
	// 限流闸门（可选）：若非空，则在调用 LLM 前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// 进程级节流（可选）：每次调用后持锁睡眠固定间隔
	Throttle *rate.Throttle
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Source      string
	Mode        Mode
	Concurrency int
	// Limit: 仅处理前 N 项；0 表示全部。
	Limit int
	// Stamp: 运行开始时间戳，用于输出文件命名。
	Stamp string
	// CallTimeout: 单次调用超时；0 表示不设置。
	CallTimeout time.Duration
	// 预算：固定提示开销的 token 上限，仅在启动时校验一次，不逐项检查载荷；MaxTokens<=0 关闭
	MaxTokens       int
	BytesPerToken   int
	MaxOutputTokens int
	// LLMName: 仅用于终端展示。
	LLMName string
}

// Summary 运行结果统计。
type Summary struct {
	Loaded     int
	Skipped    int // 续跑时已在检查点中的项
	Submitted  int
	Succeeded  int // 结果表总行数（含续跑带入的行）
	Failed     int
	Checkpoint string
	FinalPath  contract.ArtifactID
	FailedPath contract.ArtifactID
	Duration   time.Duration
}

// FinalArtifact / FailedArtifact 返回最终产物的相对路径。
func FinalArtifact(stamp string) contract.ArtifactID {
	return contract.ArtifactID("final_result_" + stamp + ".jsonl")
}

func FailedArtifact(stamp string) contract.ArtifactID {
	return contract.ArtifactID("failed_files_" + stamp + ".txt")
}

// Run 执行完整流程：Loader → (Prompt → Gate → LLM → Throttle) × N → Accumulator/Checkpoint → Writer。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (sum Summary, err error) {
	start := time.Now()
	if err := sanity(comp, &set); err != nil {
		return sum, fmt.Errorf("sanity: %w", err)
	}
	if set.MaxTokens > 0 {
		eff, _ := prompt.EffectiveMaxTokens(comp.PromptBuilder, set.BytesPerToken, set.MaxTokens)
		if eff <= 0 {
			return sum, fmt.Errorf("%w: effective token budget <= 0 after overhead", contract.ErrBudgetExceeded)
		}
	}
	sum.Checkpoint = comp.Checkpoint.Path()
	term := diag.GetTerminal()
	defer func() {
		sum.Duration = time.Since(start)
		term.RunFinish(err == nil, sum.Duration)
	}()

	items, err := load(ctx, comp.Loader, set, logger)
	if err != nil {
		return sum, err
	}
	sum.Loaded = len(items)

	acc, err := accum.Open(ctx, comp.Checkpoint)
	if err != nil {
		fail(logger, "checkpoint", "open failed", err)
		return sum, err
	}
	pending := make([]contract.WorkItem, 0, len(items))
	for _, it := range items {
		if acc.Has(it.ID) {
			sum.Skipped++
			continue
		}
		pending = append(pending, it)
	}
	if acc.Resumed() > 0 {
		logger.Info("pipeline", "resume", map[string]string{
			"checkpoint": sum.Checkpoint,
			"rows":       fmt.Sprint(acc.Resumed()),
			"skipped":    fmt.Sprint(sum.Skipped),
		})
	}

	sub, err := submit.New(submit.Options{
		Builder:         comp.PromptBuilder,
		Client:          comp.LLM,
		Gate:            comp.Gate,
		GateKey:         comp.GateKey,
		Throttle:        comp.Throttle,
		CallTimeout:     set.CallTimeout,
		BytesPerToken:   set.BytesPerToken,
		MaxOutputTokens: set.MaxOutputTokens,
		Logger:          logger,
	})
	if err != nil {
		return sum, err
	}

	width := set.Concurrency
	if set.Mode == ModeSequential {
		width = 1
	}
	term.RunStart(width, set.LLMName, len(pending))
	rtimer := logger.Start("pipeline", "submit")

	// 检查点写入不随运行取消而中断：已完成的结果总是落盘。
	persistCtx := context.WithoutCancel(ctx)
	collect := func(o contract.Outcome) error {
		if _, err := acc.Add(persistCtx, o); err != nil {
			fail(logger, "checkpoint", "append failed", err)
			return fmt.Errorf("checkpoint append: %w", err)
		}
		term.ItemDone(o.OK())
		if !o.OK() {
			term.ItemFailed(string(o.ID), string(diag.Classify(o.Err)))
		}
		return nil
	}

	var submitted int
	if set.Mode == ModeSequential {
		submitted, err = runSequential(ctx, sub, pending, collect)
	} else {
		submitted, err = runPooled(ctx, sub, pending, width, collect)
	}
	sum.Submitted = submitted
	sum.Succeeded = acc.Len()
	sum.Failed = len(acc.Failures())
	rtimer.Finish("submit", int64(submitted))
	if err != nil {
		return sum, err
	}
	if cerr := ctx.Err(); cerr != nil {
		logger.Warn("pipeline", "cancelled", map[string]string{"checkpoint": sum.Checkpoint, "submitted": fmt.Sprint(submitted)})
		return sum, cerr
	}

	sum.FinalPath, sum.FailedPath = FinalArtifact(set.Stamp), FailedArtifact(set.Stamp)
	if err := writeOutputs(ctx, comp.Writer, acc, sum.FinalPath, sum.FailedPath, logger); err != nil {
		return sum, err
	}
	diag.IncOp("pipeline", "finish", "success")
	return sum, nil
}

func load(ctx context.Context, l contract.Loader, set Settings, logger *diag.Logger) ([]contract.WorkItem, error) {
	t := logger.StartWithKV("loader", "load", "", map[string]string{"source": set.Source})
	items, err := l.Load(ctx, set.Source)
	if err == nil {
		err = contract.ValidateItems(items)
	}
	if err != nil {
		fail(logger, "loader", "load failed", err)
		return nil, fmt.Errorf("load %s: %w", set.Source, err)
	}
	if set.Limit > 0 && len(items) > set.Limit {
		items = items[:set.Limit]
	}
	t.Finish("load", int64(len(items)))
	diag.IncOp("loader", "finish", "success")
	return items, nil
}

func runSequential(ctx context.Context, sub *submit.Submitter, items []contract.WorkItem, collect func(contract.Outcome) error) (int, error) {
	n := 0
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		o := sub.Submit(ctx, it)
		n++
		if err := collect(o); err != nil {
			return n, err
		}
	}
	return n, nil
}

// runPooled 以 errgroup 限宽并发提交；结果经通道交给唯一的收集 goroutine。
func runPooled(ctx context.Context, sub *submit.Submitter, items []contract.WorkItem, width int, collect func(contract.Outcome) error) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan contract.Outcome, width)
	done := make(chan error, 1)
	go func() {
		var first error
		for o := range out {
			if first != nil {
				continue
			}
			if err := collect(o); err != nil {
				first = err
				cancel()
			}
		}
		done <- first
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(width)
	n := 0
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		n++
		g.Go(func() error {
			out <- sub.Submit(gctx, it)
			return nil
		})
	}
	_ = g.Wait()
	close(out)
	return n, <-done
}

func writeOutputs(ctx context.Context, w contract.Writer, acc *accum.Accumulator, finalID, failedID contract.ArtifactID, logger *diag.Logger) error {
	t := logger.Start("writer", "outputs")
	var table bytes.Buffer
	if err := contract.WriteTable(&table, acc.Table()); err != nil {
		return err
	}
	var failed strings.Builder
	for _, id := range acc.Failures() {
		failed.WriteString(string(id))
		failed.WriteByte('\n')
	}
	var errs error
	if err := w.Write(ctx, finalID, &table); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("write %s: %w", finalID, err))
	}
	if err := w.Write(ctx, failedID, strings.NewReader(failed.String())); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("write %s: %w", failedID, err))
	}
	if errs != nil {
		fail(logger, "writer", "write failed", errs)
		return errs
	}
	t.Finish("outputs", 2)
	diag.IncOp("writer", "finish", "success")
	return nil
}

func fail(logger *diag.Logger, comp, msg string, err error) {
	code := diag.Classify(err)
	logger.ErrorWithKV(comp, string(code), msg, nil, "", map[string]string{"error": err.Error()})
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func sanity(c Components, s *Settings) error {
	if c.Loader == nil || c.PromptBuilder == nil || c.LLM == nil || c.Checkpoint == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	switch s.Mode {
	case "":
		s.Mode = ModeSequential
	case ModeSequential, ModePooled:
	default:
		return fmt.Errorf("pipeline: %w: unknown mode %q", contract.ErrInvalidInput, s.Mode)
	}
	if strings.TrimSpace(s.Stamp) == "" {
		s.Stamp = time.Now().Format(StampLayout)
	}
	if s.Limit < 0 {
		return fmt.Errorf("pipeline: %w: negative limit", contract.ErrInvalidInput)
	}
	return nil
}

// StampLayout 为运行开始时间戳格式。
const StampLayout = "20060102_150405"

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	cfgpkg "llmbatch/internal/config"
	"llmbatch/internal/diag"
	"llmbatch/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK        = 0
	exitRuntime   = 1
	exitCancelled = 2
	exitConfig    = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code != exitCancelled {
			fmt.Fprintf(stderr, "错误: %v\n", ee.err)
		}
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return exitConfig
}

// runFlags: run 命令的旗标；仅在显式给出时覆盖配置。
type runFlags struct {
	config      string
	llm         string
	mode        string
	concurrency int
	delay       string
	callTimeout string
	limit       int
	outputDir   string
	resume      string
	checkpoint  string
	metricsFile string
	logLevel    string
	status      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f runFlags
	runE := func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, args, &f, stdout, stderr)
	}
	root := &cobra.Command{
		Use:   "llmbatch [flags] [input]",
		Short: "Submit a dataset of work items to an LLM, one call per item",
		Long: `llmbatch loads work items, renders one prompt per item, calls the configured
LLM provider, checkpoints every success and writes final_result_<stamp>.jsonl
plus failed_files_<stamp>.txt to the output directory.

Configuration precedence: flags > environment (LLMBATCH_*, .env) > config file > defaults.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runE,
	}
	runCmd := &cobra.Command{
		Use:   "run [flags] [input]",
		Short: "Run a batch (default command)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runE,
	}
	for _, c := range []*cobra.Command{root, runCmd} {
		fs := c.Flags()
		fs.StringVar(&f.config, "config", "", "配置文件路径（.json/.yaml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
		fs.StringVar(&f.llm, "llm", "", "provider 名称")
		fs.StringVar(&f.mode, "mode", "", "提交方式：sequential | pooled")
		fs.IntVar(&f.concurrency, "concurrency", 0, "pooled 模式并发度")
		fs.StringVar(&f.delay, "delay", "", "每次调用后的固定间隔（如 300ms；0 关闭）")
		fs.StringVar(&f.callTimeout, "call-timeout", "", "单次调用超时（如 10m；0 关闭）")
		fs.IntVar(&f.limit, "limit", 0, "仅处理前 N 项")
		fs.StringVar(&f.outputDir, "output-dir", "", "输出目录")
		fs.StringVar(&f.resume, "resume", "", "续跑：已有检查点路径")
		fs.StringVar(&f.checkpoint, "checkpoint", "", "检查点后端：table | sqlite | bolt")
		fs.StringVar(&f.metricsFile, "metrics-file", "", "运行结束时写出 Prometheus 文本快照")
		fs.StringVar(&f.logLevel, "log-level", "", "日志级别：debug | info | warn | error")
		fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 逐行输出")
	}
	root.AddCommand(runCmd, newInitConfigCmd(stdout))
	return root
}

func newInitConfigCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a runnable config.json and .env template (never overwrites)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := initConfig(dir, stdout); err != nil {
				return &exitError{code: exitConfig, err: fmt.Errorf("生成默认配置失败: %w", err)}
			}
			return nil
		},
	}
}

func initConfig(dir string, stdout io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfgpkg.DefaultTemplateConfig(), "", "  ")
	if err != nil {
		return err
	}
	for _, fl := range []struct {
		name string
		body []byte
	}{
		{"config.json", append(b, '\n')},
		{".env", []byte(cfgpkg.DotEnvTemplate)},
	} {
		path := filepath.Join(dir, fl.name)
		wrote, err := writeIfAbsent(path, fl.body)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(stdout, "已生成 %s\n", path)
		} else {
			fmt.Fprintf(stdout, "已存在，跳过 %s\n", path)
		}
	}
	return nil
}

// writeIfAbsent 仅在文件不存在时创建；已存在返回 (false, nil)。
func writeIfAbsent(path string, b []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, werr := f.Write(b)
	return true, multierr.Append(werr, f.Close())
}

func runBatch(cmd *cobra.Command, args []string, f *runFlags, stdout, stderr io.Writer) (err error) {
	start := time.Now()
	stamp := start.Format(pipeline.StampLayout)

	// 在任何 ENV 读取前，加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := applyDotEnv(".env"); err != nil {
		return configErr(".env: %w", err)
	}
	cfg, err := resolveConfig(cmd, args, f)
	if err != nil {
		return err
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		dumpConfig(stderr, cfg)
		return &exitError{code: exitConfig, err: err}
	}
	if cfg.Credentials != "" {
		if _, ok := os.LookupEnv("GOOGLE_APPLICATION_CREDENTIALS"); !ok {
			_ = os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", cfg.Credentials)
		}
	}

	logger := diag.NewLogger(uuid.NewString(), cfg.Logging.Level)
	defer func() {
		if cerr := ignoreSyncErr(logger.Close()); cerr != nil {
			err = multierr.Append(err, &exitError{code: exitRuntime, err: cerr})
		}
	}()
	logger.DebugStart("config", "effective", "", effectiveKV(cfg))

	comp, set, err := cfgpkg.Assemble(cfg, stamp)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return &exitError{code: exitConfig, err: fmt.Errorf("装配失败: %w", err)}
	}
	defer func() {
		if cerr := comp.Checkpoint.Close(); cerr != nil {
			err = multierr.Append(err, &exitError{code: exitRuntime, err: cerr})
		}
	}()

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	diag.SetTerminal(diag.NewTerminal(stderr, f.status))
	defer diag.SetTerminal(nil)

	sum, rerr := pipelineRun(cmd.Context(), comp, set, logger)
	if cfg.MetricsFile != "" {
		if merr := diag.WriteMetrics(cfg.MetricsFile); merr != nil {
			logger.Warn("metrics", "write failed", map[string]string{"error": merr.Error()})
		}
	}
	if rerr != nil {
		code := string(diag.Classify(rerr))
		logger.Error("cli", code, "run failed", &start)
		if errors.Is(rerr, context.Canceled) {
			fmt.Fprintf(stderr, "已取消；检查点保留在 %s（可用 --resume 续跑）\n", sum.Checkpoint)
			return &exitError{code: exitCancelled, err: rerr}
		}
		return &exitError{code: exitRuntime, err: rerr}
	}
	fmt.Fprintf(stdout, "结果: %s\n失败列表: %s\n检查点: %s\n提交 %d | 结果 %d | 失败 %d | 跳过 %d\n",
		filepath.Join(cfg.OutputDir, string(sum.FinalPath)),
		filepath.Join(cfg.OutputDir, string(sum.FailedPath)),
		sum.Checkpoint, sum.Submitted, sum.Succeeded, sum.Failed, sum.Skipped)
	return nil
}

// resolveConfig 按 defaults < 配置文件 < ENV < CLI 合并。
func resolveConfig(cmd *cobra.Command, args []string, f *runFlags) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	switch {
	case path != "":
		base, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, configErr("配置解析失败 %s: %w", path, err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	case os.Getenv(cfgpkg.EnvPrefix+"CONFIG_JSON") != "":
		base, err := cfgpkg.LoadJSON("", []byte(os.Getenv(cfgpkg.EnvPrefix+"CONFIG_JSON")))
		if err != nil {
			return cfg, configErr("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, configErr("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	var over cfgpkg.Config
	fs := cmd.Flags()
	if len(args) == 1 {
		over.Input = args[0]
	}
	over.LLM = f.llm
	over.Mode = f.mode
	over.OutputDir = f.outputDir
	over.Resume = f.resume
	over.Components.Checkpoint = f.checkpoint
	over.MetricsFile = f.metricsFile
	over.Logging.Level = f.logLevel
	if fs.Changed("concurrency") {
		if f.concurrency < 1 {
			return cfg, configErr("--concurrency must be >= 1")
		}
		over.Concurrency = f.concurrency
	}
	if fs.Changed("limit") {
		if f.limit < 0 {
			return cfg, configErr("--limit must be >= 0")
		}
		over.Limit = f.limit
	}
	if fs.Changed("delay") {
		d, err := cfgpkg.ParseDuration(f.delay)
		if err != nil {
			return cfg, configErr("--delay: %w", err)
		}
		over.Delay = &d
	}
	if fs.Changed("call-timeout") {
		d, err := cfgpkg.ParseDuration(f.callTimeout)
		if err != nil {
			return cfg, configErr("--call-timeout: %w", err)
		}
		over.CallTimeout = &d
	}
	return cfgpkg.Merge(cfg, over), nil
}

// applyDotEnv 将 .env 条目注入进程环境；已存在的变量保持不变。
func applyDotEnv(path string) error {
	kvs, err := cfgpkg.LoadDotEnv(path)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// effectiveKV 汇总有效配置（不含密钥）用于 debug 日志。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"input":          cfg.Input,
		"output_dir":     cfg.OutputDir,
		"mode":           cfg.Mode,
		"concurrency":    fmt.Sprint(cfg.Concurrency),
		"delay":          cfg.Delay.D().String(),
		"call_timeout":   cfg.CallTimeout.D().String(),
		"llm":            cfg.LLM,
		"loader":         cfg.Components.Loader,
		"prompt_builder": cfg.Components.PromptBuilder,
		"checkpoint":     cfg.Components.Checkpoint,
		"writer":         cfg.Components.Writer,
	}
	if cfg.Resume != "" {
		kv["resume"] = cfg.Resume
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var small struct {
			Model   string `json:"model"`
			BaseURL string `json:"base_url"`
			Backend string `json:"backend"`
		}
		_ = json.Unmarshal(p.Options, &small)
		for k, v := range map[string]string{"model": small.Model, "base_url": small.BaseURL, "backend": small.Backend} {
			if v != "" {
				kv[k] = v
			}
		}
	}
	return kv
}

func dumpConfig(w io.Writer, c cfgpkg.Config) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(w, "有效配置:\n%s\n", b)
}

// ignoreSyncErr: 对终端/管道 Sync 返回的 EINVAL 类错误不报告。
func ignoreSyncErr(err error) error {
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}

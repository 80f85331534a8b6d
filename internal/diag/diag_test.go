package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"llmbatch/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if _, err := w.Write([]byte("first line that is very long\n")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	if len(files) != 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	cur, err := os.ReadFile(filepath.Join(dir, currentLogName))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(cur))
}

func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte("xxxxxxxxxxxxxxxxxx\n"))
		require.NoError(t, err)
	}
	defer w.Close()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == currentLogName {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), "llmbatch-") && strings.HasSuffix(e.Name(), ".log") && !strings.Contains(e.Name(), "current") {
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("expect both current and rotated files, got current=%v rotated=%v", hasCurrent, hasRotated)
	}
}

// 默认 maxBytes 分支与 rotate 在 f==nil 分支
func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	assert.Equal(t, int64(10*1024*1024), w.maxBytes)
	_, err := w.Write([]byte("a\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.rotate())
	require.NoError(t, w.Close())
	assert.NoError(t, w.Sync())
}

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m), "应为单行 JSON: %s", ln)
		out = append(out, m)
	}
	return out
}

// Logger 事件字段
func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(zapcore.AddSync(&buf), "corr", "debug")

	tm := l.StartWith("submit", "call", "p-1")
	tm.Finish("ok", 1)
	start := time.Now().Add(-5 * time.Millisecond)
	l.ErrorWithKV("submit", "network", "boom", &start, "p-2", map[string]string{"b": "2", "a": "1"})
	l.DebugStart("pipeline", "dbg", "", nil)
	l.Info("throttle", "pause", map[string]string{"delay": "3s"})
	require.NoError(t, l.Close())

	evs := decodeLines(t, buf.Bytes())
	require.Len(t, evs, 5)
	assert.Equal(t, "info", evs[0]["level"])
	assert.Equal(t, "corr", evs[0]["corr_id"])
	assert.Equal(t, "submit", evs[0]["comp"])
	assert.Equal(t, "start", evs[0]["stage"])
	assert.Equal(t, "p-1", evs[0]["item_id"])
	assert.Equal(t, "call", evs[0]["msg"])
	assert.NotEmpty(t, evs[0]["ts"])

	assert.Equal(t, "finish", evs[1]["stage"])
	assert.Equal(t, float64(1), evs[1]["count"])

	assert.Equal(t, "error", evs[2]["level"])
	assert.Equal(t, "network", evs[2]["code"])
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, evs[2]["kv"])
	assert.GreaterOrEqual(t, evs[2]["dur_ms"], float64(5))

	assert.Equal(t, "debug", evs[3]["level"])
	_, hasItem := evs[3]["item_id"]
	assert.False(t, hasItem, "空 item_id 应省略")

	assert.Equal(t, "note", evs[4]["stage"])
}

// 级别过滤
func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(zapcore.AddSync(&buf), "", "warn")
	l.Start("c", "m").Finish("ok", 0)
	l.DebugStart("c", "m", "x", nil)
	l.Warn("c", "w", nil)
	l.Error("c", "unknown", "e", nil)
	evs := decodeLines(t, buf.Bytes())
	require.Len(t, evs, 2)
	assert.Equal(t, "warn", evs[0]["level"])
	_, hasCorr := evs[0]["corr_id"]
	assert.False(t, hasCorr)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warn "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nonsense"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("fatal"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}

// nil/空接收者安全
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 0)
	l.Error("c", "x", "m", nil)
	l.ErrorWith("c", "x", "m", nil, "i")
	l.InfoFinish("c", "m", time.Now(), 1)
	assert.NoError(t, l.Close())
	assert.NotNil(t, l.Zap())
	var tnil *Timer
	tnil.Finish("x", 0)
	assert.Zero(t, tnil.Elapsed())
	(&Timer{}).Finish("x", 0)
	NewNopLogger().StartWithKV("c", "m", "i", map[string]string{"k": "v"}).Finish("ok", 1)
}

// 文件 sink 路径
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join("logs", currentLogName))
	require.NoError(t, err)
	assert.Len(t, decodeLines(t, b), 3)
}

type upstreamErr struct {
	status int
	msg    string
}

func (e upstreamErr) Error() string           { return fmt.Sprintf("upstream %d", e.status) }
func (e upstreamErr) UpstreamStatus() int     { return e.status }
func (e upstreamErr) UpstreamMessage() string { return e.msg }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrResponseInvalid, CodeProtocol},
		{fmt.Errorf("wrap: %w", contract.ErrBlocked), CodeBlocked},
		{context.Canceled, CodeCancel},
		{context.DeadlineExceeded, CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrDuplicateID, CodeInvariant},
		{contract.ErrPathInvalid, CodeInvariant},
		{upstreamErr{status: 429}, CodeBudget},
		{upstreamErr{status: 400}, CodeProtocol},
		{fmt.Errorf("x: %w", upstreamErr{status: 503}), CodeNetwork},
		{errors.New("other"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "err=%v", tt.err)
	}
}

func TestUpstreamKV(t *testing.T) {
	assert.Nil(t, UpstreamKV(errors.New("x")))
	kv := UpstreamKV(fmt.Errorf("w: %w", upstreamErr{status: 429, msg: strings.Repeat("z", 300)}))
	assert.Equal(t, "429", kv["status_code"])
	assert.Equal(t, "Too Many Requests", kv["http_status"])
	assert.Equal(t, 257, len([]rune(kv["upstream"])))
}

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("t", "call", "success"))
	IncOp("t", "call", "success")
	IncOp("t", "call", "success")
	assert.Equal(t, before+2, testutil.ToFloat64(opTotal.WithLabelValues("t", "call", "success")))

	eb := testutil.ToFloat64(errorTotal.WithLabelValues("t", "network"))
	IncError("t", "network")
	assert.Equal(t, eb+1, testutil.ToFloat64(errorTotal.WithLabelValues("t", "network")))

	ObserveDuration("t", "call", 12)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, WriteMetrics(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "llmbatch_op_total")
	assert.Contains(t, out, "llmbatch_error_total")
	assert.Contains(t, out, "llmbatch_op_duration_ms_bucket")
	assert.NotNil(t, Registry())
}

// 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	tm := NewTerminal(&sb, true)
	if tm.isTTY {
		t.Fatalf("expect non-tty")
	}
	tm.RunStart(4, "gemini", 3)
	tm.ItemDone(true)
	tm.ItemFailed("p-2", "network")
	tm.ItemDone(false)
	tm.ItemDone(true)
	tm.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 并发=4 | llm=gemini | 待处理 3")
	assert.Contains(t, out, "[fail] p-2 | network")
	assert.Contains(t, out, "[ok] 全部完成 | 成功 2 | 失败 1 | 总用时 41.3s")
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

// 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	tm := NewTerminal(&sb, true)
	tm.isTTY = true
	tm.RunStart(2, "mock", 10)

	tm.ItemDone(true)
	first := sb.String()
	if !strings.Contains(first, "\r[run] 进度 1/10") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	tm.ItemDone(true)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	tm.ItemDone(false)
	third := sb.String()
	assert.Greater(t, len(third), len(first))

	tm.RunFinish(false, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "全部完成")
	require.Positive(t, idx)
	seg := final[len(third):idx]
	// 清尾：回车后跟空格
	assert.True(t, strings.HasPrefix(seg, "\r "), "clear tail should write spaces after CR: %q", seg)
	assert.Contains(t, final, "[fail]")
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	tm := NewTerminal(fw, true)
	tm.RunStart(1, "x", 1)
	if tm.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	tm.ItemDone(true)
	tm.ItemFailed("a", "x")
	tm.RunFinish(true, 0)
}

func TestTerminalInlineWriteError(t *testing.T) {
	tm := NewTerminal(&flakyWriter{fail: true}, true)
	tm.isTTY = true
	tm.ItemDone(true)
	if tm.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

func TestTerminalNilAndDisabled(t *testing.T) {
	var tn *Terminal
	tn.RunStart(1, "x", 1)
	tn.ItemDone(true)
	tn.ItemFailed("a", "b")
	tn.RunFinish(true, 0)

	var sb strings.Builder
	off := NewTerminal(&sb, false)
	off.RunStart(1, "x", 1)
	off.RunFinish(true, 0)
	assert.Empty(t, sb.String())
}

func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	tm := NewTerminal(os.Stderr, true)
	assert.False(t, tm.isTTY)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "abcdefghi…", shorten("abcdefghijklmn", 10))
	assert.Equal(t, "", shorten("x", 0))
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
	assert.NotEmpty(t, NowUTC())

	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
	SetTerminal(NewTerminal(os.Stderr, false))
	assert.NotNil(t, GetTerminal())
	SetTerminal(nil)
}

package diag

import (
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化事件日志器：zap JSON 编码，单行写入轮转文件。
// 事件字段：comp/stage/code/dur_ms/count/item_id/kv/corr_id。
// nil 接收者安全（所有方法均为 no-op）。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 按 level 初始化，写入 logs/llmbatch-current.log，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将事件写入任意 WriteSyncer（测试或 stderr 后备）。
func NewLoggerTo(ws zapcore.WriteSyncer, corrID, level string) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, parseLevel(level))
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// NewNopLogger 返回丢弃所有事件的日志器。
func NewNopLogger() *Logger { return &Logger{z: zap.NewNop()} }

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     utcTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

func parseLevel(s string) zapcore.Level {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	switch lv {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
		return lv
	default:
		return zapcore.InfoLevel
	}
}

// Zap 暴露底层 zap.Logger（供需要原生字段的调用方使用）。
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// Close 刷新缓冲并关闭文件 sink。
func (l *Logger) Close() error {
	if l == nil || l.z == nil {
		return nil
	}
	err := l.z.Sync()
	if l.sink != nil {
		err = multierr.Append(err, l.sink.Close())
	}
	return err
}

// event 组装一条事件。空值字段省略。
type event struct {
	comp   string
	stage  string
	code   string
	dur    int64
	count  int64
	itemID string
	kv     map[string]string
}

func (l *Logger) emit(lv zapcore.Level, msg string, ev event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv, msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 7)
	fields = append(fields, zap.String("comp", ev.comp), zap.String("stage", ev.stage))
	if ev.code != "" {
		fields = append(fields, zap.String("code", ev.code))
	}
	if ev.dur != 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.dur))
	}
	if ev.count != 0 {
		fields = append(fields, zap.Int64("count", ev.count))
	}
	if ev.itemID != "" {
		fields = append(fields, zap.String("item_id", ev.itemID))
	}
	if len(ev.kv) > 0 {
		fields = append(fields, zap.Object("kv", kvObject(ev.kv)))
	}
	ce.Write(fields...)
}

// kvObject 以键序输出，保证同一事件的行内容稳定。
type kvObject map[string]string

func (m kvObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		enc.AddString(k, m[k])
	}
	return nil
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "start"})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 item_id 的 start。
func (l *Logger) StartWith(comp, msg, itemID string) *Timer {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", itemID: itemID})
	return &Timer{l: l, comp: comp, itemID: itemID, t0: time.Now()}
}

// StartWithKV 记录带 item_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, itemID string, kv map[string]string) *Timer {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", itemID: itemID, kv: kv})
	return &Timer{l: l, comp: comp, itemID: itemID, t0: time.Now()}
}

// Info 记录一条无计时的提示事件（stage=note）。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "note", kv: kv})
}

// Warn 记录告警（stage=note）。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.emit(zapcore.WarnLevel, msg, event{comp: comp, stage: "note", kv: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.emit(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, dur: since(durSince)})
}

// ErrorWith 支持 item_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, itemID string) {
	l.emit(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, dur: since(durSince), itemID: itemID})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, itemID string, kv map[string]string) {
	l.emit(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: code, dur: since(durSince), itemID: itemID, kv: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "finish", dur: time.Since(start).Milliseconds(), count: count})
}

// DebugStart 输出调试级别的 start 事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, itemID string, kv map[string]string) {
	l.emit(zapcore.DebugLevel, msg, event{comp: comp, stage: "start", itemID: itemID, kv: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	itemID string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.emit(zapcore.InfoLevel, msg, event{comp: t.comp, stage: "finish", dur: time.Since(t.t0).Milliseconds(), count: count, itemID: t.itemID})
}

// Elapsed 返回自 start 以来的耗时。
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.t0)
}

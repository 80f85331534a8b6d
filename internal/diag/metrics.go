package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 进程级指标，注册在私有 Registry 中（不污染默认注册表）：
// - llmbatch_op_total{comp,stage,result}
// - llmbatch_error_total{comp,code}
// - llmbatch_op_duration_ms{comp,stage}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmbatch",
		Name:      "op_total",
		Help:      "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmbatch",
		Name:      "error_total",
		Help:      "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmbatch",
		Name:      "op_duration_ms",
		Help:      "Stage durations in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(5, 4, 9), // 5ms .. ~5.5min
	}, []string{"comp", "stage"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// Registry 返回进程级指标注册表。
func Registry() *prometheus.Registry { return registry }

// WriteMetrics 以 Prometheus 文本格式写出当前快照（原子写入）。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}

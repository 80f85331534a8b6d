package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbatch/internal/pipeline"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFileJSONAndYAML(t *testing.T) {
	jp := writeFile(t, "c.json", `{"input":"data.jsonl","llm":"g","delay":"2s","provider":{"g":{"client":"gemini","options":{"project":"p"}}}}`)
	cfg, err := LoadFile(jp)
	require.NoError(t, err)
	assert.Equal(t, "data.jsonl", cfg.Input)
	assert.Equal(t, 2*time.Second, cfg.Delay.D())
	assert.JSONEq(t, `{"project":"p"}`, string(cfg.Provider["g"].Options))

	yp := writeFile(t, "c.yaml", `
input: items.csv
mode: pooled
concurrency: 8
call_timeout: 30
components:
  loader: csv
options:
  loader:
    id_column: ID
    text_columns: [A, B]
llm: m
provider:
  m:
    client: mock
    limits: {rpm: 10}
`)
	cfg, err = LoadFile(yp)
	require.NoError(t, err)
	assert.Equal(t, "pooled", cfg.Mode)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout.D())
	assert.Equal(t, 10, cfg.Provider["m"].Limits.RPM)
	assert.JSONEq(t, `{"id_column":"ID","text_columns":["A","B"]}`, string(cfg.Options.Loader))

	_, err = LoadFile(writeFile(t, "bad.yml", "inputs: [a]\n"))
	assert.Error(t, err)
	_, err = LoadFile(writeFile(t, "empty.yaml", ""))
	assert.Error(t, err)
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadJSONUnknown(t *testing.T) {
	_, err := LoadJSON("", []byte(`{"unknown":1}`))
	assert.Error(t, err)
	_, err = LoadJSON("", nil)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{`"300ms"`, 300 * time.Millisecond, true},
		{`"10m"`, 10 * time.Minute, true},
		{`0.5`, 500 * time.Millisecond, true},
		{`"2"`, 2 * time.Second, true},
		{`0`, 0, true},
		{`"soon"`, 0, false},
		{`true`, 0, false},
	}
	for _, tt := range tests {
		var d Duration
		err := json.Unmarshal([]byte(tt.in), &d)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, time.Duration(d), tt.in)
	}
	b, err := json.Marshal(Dur(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))
	var nilDur *Duration
	assert.Zero(t, nilDur.D())
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LLMBATCH_INPUT=in.jsonl",
		"LLMBATCH_CONCURRENCY=3",
		"LLMBATCH_DELAY=0",
		"LLMBATCH_LLM=mock",
		"LLMBATCH_MODE=pooled",
		"LLMBATCH_COMPONENTS_CHECKPOINT=sqlite",
		"LLMBATCH_PROVIDER__mock__CLIENT=mock",
		"LLMBATCH_PROVIDER__mock__LIMITS_RPM=30",
		`LLMBATCH_PROVIDER__mock__OPTIONS_JSON={"prefix":"E"}`,
		"LLMBATCH_LOG_LEVEL=",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, "in.jsonl", over.Input)
	assert.Equal(t, 3, over.Concurrency)
	require.NotNil(t, over.Delay)
	assert.Zero(t, over.Delay.D())
	assert.Nil(t, over.CallTimeout)
	assert.Equal(t, "sqlite", over.Components.Checkpoint)
	assert.Equal(t, "", over.Logging.Level)
	p := over.Provider["mock"]
	assert.Equal(t, "mock", p.Client)
	assert.Equal(t, 30, p.Limits.RPM)
	assert.JSONEq(t, `{"prefix":"E"}`, string(p.Options))

	_, err = EnvOverlay([]string{"LLMBATCH_CONCURRENCY=many"})
	assert.Error(t, err)
	_, err = EnvOverlay([]string{"LLMBATCH_PROVIDER__x__OPTIONS_JSON={"})
	assert.Error(t, err)
}

func TestMergePrecedence(t *testing.T) {
	base := Defaults()
	base.Provider = map[string]Provider{"a": {Client: "mock"}}
	over := Config{
		Delay:    Dur(0),
		Mode:     "pooled",
		Provider: map[string]Provider{"b": {Client: "flaky"}},
		Options:  Options{Loader: json.RawMessage(`{"id_field":"K"}`)},
	}
	out := Merge(base, over)
	assert.Zero(t, out.Delay.D())
	assert.Equal(t, 10*time.Minute, out.CallTimeout.D())
	assert.Equal(t, "pooled", out.Mode)
	assert.Equal(t, 120, out.Concurrency)
	assert.Len(t, out.Provider, 2)
	assert.Len(t, base.Provider, 1, "base must not be mutated")
	assert.JSONEq(t, `{"id_field":"K"}`, string(out.Options.Loader))
}

func TestValidateErrors(t *testing.T) {
	assert.Error(t, Validate(Config{}))

	mutate := []func(*Config){
		func(c *Config) { c.Input = "" },
		func(c *Config) { c.Mode = "burst" },
		func(c *Config) { c.Concurrency = 0 },
		func(c *Config) { c.Delay = Dur(-time.Second) },
		func(c *Config) { c.Limit = -1 },
		func(c *Config) { c.LLM = "nope" },
		func(c *Config) { c.Provider = map[string]Provider{"mock": {}} },
		func(c *Config) { c.Components.Checkpoint = "redis" },
		func(c *Config) { c.Components.Loader = "parquet" },
		func(c *Config) {
			c.MaxTokens = 100
			c.Provider = map[string]Provider{"mock": {Client: "mock", Limits: Limits{MaxTokensPerReq: 10}}}
		},
	}
	for i, m := range mutate {
		cfg := DefaultTemplateConfig()
		m(&cfg)
		assert.Error(t, Validate(cfg), "case %d", i)
	}
	assert.NoError(t, Validate(DefaultTemplateConfig()))
}

func TestTemplateRoundTrip(t *testing.T) {
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	require.NoError(t, err)
	cfg, err := LoadJSON("", b)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 300*time.Millisecond, cfg.Delay.D())
}

func TestAssemble(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.OutputDir = t.TempDir()
	comp, set, err := Assemble(cfg, "20240101_000000")
	require.NoError(t, err)
	defer comp.Checkpoint.Close()

	assert.Equal(t, filepath.Join(cfg.OutputDir, "checkpoint_20240101_000000.jsonl"), comp.Checkpoint.Path())
	assert.NotNil(t, comp.Gate)
	assert.NotEmpty(t, comp.GateKey)
	assert.Equal(t, 300*time.Millisecond, comp.Throttle.Delay())
	assert.Equal(t, pipeline.ModeSequential, set.Mode)
	assert.Equal(t, "-", set.Source)
	assert.Equal(t, 10*time.Minute, set.CallTimeout)
	assert.Equal(t, "mock", set.LLMName)

	cfg.Provider["mock"] = Provider{Client: "mock"}
	cfg.Components.Checkpoint = "bolt"
	comp, _, err = Assemble(cfg, "s2")
	require.NoError(t, err)
	defer comp.Checkpoint.Close()
	assert.Nil(t, comp.Gate)
	assert.Equal(t, ".bolt", filepath.Ext(comp.Checkpoint.Path()))

	cfg.Options.Loader = json.RawMessage(`{"bogus":true}`)
	_, _, err = Assemble(cfg, "s3")
	assert.Error(t, err)
}

func TestWithOutputDir(t *testing.T) {
	raw, err := withOutputDir(nil, "out")
	require.NoError(t, err)
	assert.JSONEq(t, `{"output_dir":"out"}`, string(raw))
	raw, err = withOutputDir(json.RawMessage(`{"output_dir":"x","atomic":false}`), "out")
	require.NoError(t, err)
	assert.JSONEq(t, `{"output_dir":"x","atomic":false}`, string(raw))
	_, err = withOutputDir(json.RawMessage(`[1]`), "out")
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "# c\n\nexport A=1\nB = \"two words\"\nC='x'\n")
	kv, err := LoadDotEnv(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two words", "C=x"}, kv)

	kv, err = LoadDotEnv(filepath.Join(t.TempDir(), "none"))
	assert.NoError(t, err)
	assert.Nil(t, kv)

	_, err = LoadDotEnv(writeFile(t, ".env", "novalue\n"))
	assert.Error(t, err)
}

package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"llmbatch/pkg/contract"
)

// 默认估算器
func TestMakeEstimatorDefault(t *testing.T) {
	est := MakeEstimator(0)
	if est("abcdef") != 2 { // 6 字节 -> 2 token
		t.Fatalf("估算错误")
	}
	assert.Equal(t, 0, est(""))
	assert.Equal(t, 1, MakeEstimator(3)("中"))  // 3 字节
	assert.Equal(t, 2, MakeEstimator(3)("中a")) // 4 字节
}

func TestEffectiveMaxTokensZero(t *testing.T) {
	pb := &mockPB{overhead: 0}
	eff, over := EffectiveMaxTokens(pb, 0, 0)
	if eff != 0 || over != 0 {
		t.Fatalf("应返回 0,0")
	}
}

type mockPB struct{ overhead int }

func (m *mockPB) Build(_ context.Context, _ contract.WorkItem) (contract.Prompt, error) {
	return nil, nil
}

func (m *mockPB) EstimateOverheadTokens(est contract.TokenEstimator) int { return m.overhead }

func TestEffectiveMaxTokensOverhead(t *testing.T) {
	pb := &mockPB{overhead: 5}
	eff, over := EffectiveMaxTokens(pb, 4, 10)
	if eff != 5 || over != 5 {
		t.Fatalf("预期 5,5 得到 %d,%d", eff, over)
	}
}

func TestAskTokens(t *testing.T) {
	est := MakeEstimator(4)
	item := contract.WorkItem{ID: "1", Payload: []string{"abcd", "efg"}} // 4+1+3=8 字节
	assert.Equal(t, 2, PayloadTokens(est, item))
	assert.Equal(t, 0, PayloadTokens(est, contract.WorkItem{ID: "2"}))
	assert.Equal(t, 10+2+100, AskTokens(10, est, item, 100))
	assert.Equal(t, 12, AskTokens(10, est, item, -1))
}

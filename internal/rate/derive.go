package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKeyFromProviderOptions 从 LLM 客户端标识与其原样 Options JSON 中提取凭据，
// 并返回按 client+sha256(凭据) 构造的限流分组键。找不到凭据时返回错误。
// 解析键名："api_key" 与 "api_key_env"；gemini 走 Vertex 时以 "project" 作为分组依据；
// mock/flaky 客户端未提供 api_key 时使用内置 "MOCK_DEBUG_KEY"。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	apiKey := func() string {
		if k := pick("api_key"); k != "" {
			return k
		}
		if env := pick("api_key_env"); env != "" {
			return os.Getenv(env)
		}
		return ""
	}

	key := ""
	switch client {
	case "gemini":
		key = apiKey()
		if key == "" {
			if p := pick("project"); p != "" {
				key = "vertex:" + p
			}
		}
	case "mock", "flaky":
		key = pick("api_key")
		if key == "" {
			key = "MOCK_DEBUG_KEY"
		}
	default:
		key = apiKey()
	}

	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}

package grok

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/llm"
)

func newTestProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	p := &Provider{}
	if err := p.Initialize(map[string]string{"api_key": "xai-test", "base_url": baseURL}); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	return p
}

func TestInitializeRequiresRealKey(t *testing.T) {
	for _, key := range []string{"", "your_xai_key_here", "   "} {
		p := &Provider{}
		err := p.Initialize(map[string]string{"api_key": key})
		if !apperrors.IsConfigMissingError(err) {
			t.Fatalf("api_key=%q 应返回 ConfigMissing，实际: %v", key, err)
		}
	}
}

func TestCompleteTextFallsBackOn403(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xai-test" {
			t.Errorf("缺少 Authorization 头")
		}
		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		seen = append(seen, body.Model)
		mu.Unlock()

		if body.Model != "grok-beta" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error": {"message": "error code: 1010"}}`))
			return
		}
		if len(body.Messages) != 2 || body.Messages[0]["role"] != "system" {
			t.Errorf("消息结构不正确: %+v", body.Messages)
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}], "usage": {"total_tokens": 7}}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{SystemPrompt: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if resp.Text != "ok" || resp.ModelName != "grok-beta" || resp.TokensUsed != 7 {
		t.Fatalf("响应不正确: %+v", resp)
	}
	want := []string{"grok-4", "grok-3-mini", "grok-beta"}
	if len(seen) != len(want) {
		t.Fatalf("模型回退顺序不正确: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("模型回退顺序不正确: %v", seen)
		}
	}
}

func TestCompleteTextAll403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).CompleteText(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if !apperrors.IsExternalCallError(err) {
		t.Fatalf("全部 403 应返回 ExternalCallFailed，实际: %v", err)
	}
}

func TestCompleteTextNoFallbackOnOtherErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "boom"}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).CompleteText(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if !apperrors.IsExternalCallError(err) {
		t.Fatalf("应返回 ExternalCallFailed，实际: %v", err)
	}
	if calls != 1 {
		t.Fatalf("非 403 错误不应回退，实际调用 %d 次", calls)
	}
}

func TestCompleteTextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestProvider(t, srv.URL).CompleteText(ctx, llm.CompletionRequest{Prompt: "hi"})
	if !apperrors.IsTimeoutError(err) {
		t.Fatalf("超时应返回 Timeout，实际: %v", err)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/backchannel/internal/models"
)

func completion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   DefaultModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func fakeUpstream(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: ts.URL + "/v1",
		Timeout: 200 * time.Millisecond,
	}, zerolog.Nop())
}

func hourPtr(h int) *int { return &h }

func thinkReq() ThinkRequest {
	return ThinkRequest{
		VisitorID: "visitor-0001",
		Trigger:   TriggerPageLoad,
		Context:   PageContext{CurrentPage: "/", TimeOnPage: 5, Hour: hourPtr(14)},
	}
}

func TestThinkParsesJSONAnswer(t *testing.T) {
	var got map[string]any
	c := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completion(`{"thought":"oh hi there *wag*","mood":"happy"}`))
	})

	thought, err := c.Think(context.Background(), thinkReq())
	require.NoError(t, err)
	assert.Equal(t, Thought{Thought: "oh hi there *wag*", Mood: "happy"}, thought)
	assert.Equal(t, DefaultModel, got["model"])
}

func TestThinkNotConfigured(t *testing.T) {
	c := NewClient(Config{}, zerolog.Nop())
	_, err := c.Think(context.Background(), thinkReq())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestThinkUpstreamError(t *testing.T) {
	c := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	_, err := c.Think(context.Background(), thinkReq())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestThinkEmptyChoices(t *testing.T) {
	c := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	})

	_, err := c.Think(context.Background(), thinkReq())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestThinkTimeout(t *testing.T) {
	c := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := c.Think(context.Background(), thinkReq())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	c := fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Think(context.Background(), thinkReq())
		require.ErrorIs(t, err, ErrUpstream)
	}

	_, err := c.Think(context.Background(), thinkReq())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), calls.Load())
}

func TestParseThought(t *testing.T) {
	t.Run("unknown mood falls back", func(t *testing.T) {
		got := ParseThought(`{"thought":"hmm","mood":"angry"}`)
		assert.Equal(t, Thought{Thought: "hmm", Mood: "curious"}, got)
	})

	t.Run("plain text", func(t *testing.T) {
		got := ParseThought(`*sniff* who's this?`)
		assert.Equal(t, Thought{Thought: "*sniff* who's this?", Mood: "curious"}, got)
	})

	t.Run("long thought is clipped at a word boundary", func(t *testing.T) {
		long := strings.Repeat("wag ", 30)
		got := ParseThought(`{"thought":"` + long + `","mood":"excited"}`)
		assert.LessOrEqual(t, len([]rune(got.Thought)), maxThoughtLen)
		assert.Greater(t, len(got.Thought), minCutLen)
		assert.False(t, strings.HasSuffix(got.Thought, " "))
		assert.True(t, strings.HasSuffix(got.Thought, "wag"))
	})
}

func TestClipWithoutSpaces(t *testing.T) {
	got := clip(strings.Repeat("a", 100))
	assert.Len(t, got, maxThoughtLen)
}

func TestBuildPrompt(t *testing.T) {
	req := thinkReq()
	req.Trigger = TriggerLeaving
	req.Context.CurrentPage = "/" + strings.Repeat("p", 500)
	req.Context.TimeOnPage = 99999
	req.Context.Hour = hourPtr(23)

	prompt := BuildPrompt(req)
	assert.Contains(t, prompt, "Time on page: 3600s")
	assert.Contains(t, prompt, "(night)")
	assert.Contains(t, prompt, "Might be leaving")
	assert.Contains(t, prompt, "First time here")
	assert.NotContains(t, prompt, strings.Repeat("p", maxPageLen))

	req.Metadata = &models.VisitorMetadata{
		VisitorID:    req.VisitorID,
		MessageCount: 3,
		PagesVisited: []string{"/a", "/b", "/c", "/d", "/e", "/f"},
	}
	prompt = BuildPrompt(req)
	assert.Contains(t, prompt, "3 messages exchanged")
	assert.Contains(t, prompt, "Recent pages: /b, /c, /d, /e, /f")
}

func TestValidTrigger(t *testing.T) {
	for _, tr := range []string{TriggerPageLoad, TriggerClick, TriggerIdle, TriggerLeaving} {
		assert.True(t, ValidTrigger(tr), tr)
	}
	assert.False(t, ValidTrigger("scroll"))
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/backchannel/clients/go/backchannel"
	"github.com/eldtechnologies/backchannel/internal/api/middleware"
	"github.com/eldtechnologies/backchannel/internal/handlers"
	"github.com/eldtechnologies/backchannel/internal/llm"
	"github.com/eldtechnologies/backchannel/internal/ratelimit"
	"github.com/eldtechnologies/backchannel/internal/registry"
	"github.com/eldtechnologies/backchannel/internal/store"
)

const adminToken = "test-admin-token"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) SendAll(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fakeThinker struct {
	thought llm.Thought
	err     error

	mu  sync.Mutex
	got llm.ThinkRequest
}

func (f *fakeThinker) Think(_ context.Context, req llm.ThinkRequest) (llm.Thought, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = req
	return f.thought, f.err
}

func (f *fakeThinker) last() llm.ThinkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type fakeChecker struct {
	decision ratelimit.Decision
	err      error
}

func (f fakeChecker) Check(context.Context, string, string) (ratelimit.Decision, error) {
	return f.decision, f.err
}

type testServer struct {
	*httptest.Server
	client   *backchannel.Client
	handler  *handlers.Handler
	registry *registry.Registry
	notifier *recordingNotifier
}

func newTestServer(t *testing.T, thinker llm.Thinker, checker ratelimit.Checker) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	root := t.TempDir()

	reg := registry.New(logger)
	threads, err := store.NewThreadStore(root+"/threads", root+"/blocked", logger, store.WithBroadcaster(reg))
	require.NoError(t, err)

	if thinker == nil {
		thinker = &fakeThinker{thought: llm.Thought{Thought: "hello there", Mood: "happy"}}
	}
	if checker == nil {
		checker = ratelimit.NewLimiter(ratelimit.DefaultConfig(), logger)
	}

	notifier := &recordingNotifier{}
	h := handlers.NewHandler(handlers.Deps{
		Threads:      threads,
		Registry:     reg,
		Limiter:      checker,
		Thinker:      thinker,
		Notifier:     notifier,
		Logger:       logger,
		PingInterval: time.Second,
	})
	router := NewRouter(logger, h,
		middleware.NewAdminAuth(adminToken, logger),
		middleware.NewRateLimiter(ratelimit.NewMemoryCounter(), logger, middleware.RateLimiterConfig{FeedbackPerIP: 100}),
	)

	ts := httptest.NewServer(router)
	// Cleanups run last-in first-out: streams end before the server closes.
	t.Cleanup(ts.Close)
	t.Cleanup(reg.Shutdown)

	client := backchannel.NewClient(ts.URL)
	client.AdminToken = adminToken

	return &testServer{Server: ts, client: client, handler: h, registry: reg, notifier: notifier}
}

func (s *testServer) stream(t *testing.T, sc *backchannel.StreamClient) *backchannel.StreamClient {
	t.Helper()
	sc.Start(context.Background())
	t.Cleanup(func() { sc.Close() })
	return sc
}

func nextEvent(t *testing.T, sc *backchannel.StreamClient) backchannel.Event {
	t.Helper()
	select {
	case ev, ok := <-sc.Events():
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return backchannel.Event{}
	}
}

type streamPayload struct {
	Type      string                `json:"type"`
	VisitorID string                `json:"visitorId"`
	Message   backchannel.Message   `json:"message"`
	Messages  []backchannel.Message `json:"messages"`
}

func decodeEvent(t *testing.T, ev backchannel.Event) streamPayload {
	t.Helper()
	var p streamPayload
	require.NoError(t, ev.Decode(&p))
	return p
}

func TestConversation(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ctx := context.Background()

	admin := s.stream(t, s.client.AdminStream())
	ready := nextEvent(t, admin)
	assert.Equal(t, "status", ready.Name)
	assert.Equal(t, "ready", decodeEvent(t, ready).Type)

	visitor := s.stream(t, s.client.VisitorStream("v-001"))
	initial := nextEvent(t, visitor)
	assert.Equal(t, "message", initial.Name)
	p := decodeEvent(t, initial)
	assert.Equal(t, "init", p.Type)
	assert.Empty(t, p.Messages)

	// Visitor writes; the operator sees it.
	sent, err := s.client.SendMessage(ctx, "v-001", "hello", "/pricing")
	require.NoError(t, err)
	assert.True(t, sent.Success)
	assert.NotEmpty(t, sent.MessageID)

	ev := nextEvent(t, admin)
	assert.Equal(t, "new-message", ev.Name)
	p = decodeEvent(t, ev)
	assert.Equal(t, "v-001", p.VisitorID)
	assert.Equal(t, sent.MessageID, p.Message.ID)
	assert.Equal(t, "hello", p.Message.Text)
	assert.Equal(t, "visitor", p.Message.From)

	// Operator replies; the visitor sees it.
	replyID, err := s.client.Reply(ctx, "v-001", "hi back")
	require.NoError(t, err)

	ev = nextEvent(t, visitor)
	assert.Equal(t, "new-message", ev.Name)
	p = decodeEvent(t, ev)
	assert.Equal(t, "new-message", p.Type)
	assert.Equal(t, replyID, p.Message.ID)
	assert.Equal(t, "operator", p.Message.From)
	assert.Equal(t, "hi back", p.Message.Text)

	msgs, err := s.client.Messages(ctx, "v-001")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "/pricing", msgs[0].Page)
	assert.Equal(t, "hi back", msgs[1].Text)

	threads, err := s.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].MessageCount)
	assert.Equal(t, 0, threads[0].UnreadFromVisitor)

	// Operator deletes the thread.
	require.NoError(t, s.client.DeleteThread(ctx, "v-001"))
	ev = nextEvent(t, admin)
	assert.Equal(t, "thread-deleted", ev.Name)
	assert.Equal(t, "v-001", decodeEvent(t, ev).VisitorID)

	msgs, err = s.client.Messages(ctx, "v-001")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	err = s.client.DeleteThread(ctx, "v-001")
	var apiErr *backchannel.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	s.handler.Wait()
	notes := s.notifier.messages()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "v-001")
	assert.Contains(t, notes[0], "/pricing")
	assert.Contains(t, notes[0], "hello")
}

func TestVisitorStreamSnapshot(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ctx := context.Background()

	_, err := s.client.SendMessage(ctx, "v-002", "first", "")
	require.NoError(t, err)
	_, err = s.client.Reply(ctx, "v-002", "second")
	require.NoError(t, err)

	visitor := s.stream(t, s.client.VisitorStream("v-002"))
	p := decodeEvent(t, nextEvent(t, visitor))
	assert.Equal(t, "init", p.Type)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, "first", p.Messages[0].Text)
	assert.Equal(t, "second", p.Messages[1].Text)

	// Visitor messages are not echoed to the visitor's own stream.
	_, err = s.client.SendMessage(ctx, "v-002", "third", "")
	require.NoError(t, err)
	_, err = s.client.Reply(ctx, "v-002", "fourth")
	require.NoError(t, err)
	p = decodeEvent(t, nextEvent(t, visitor))
	assert.Equal(t, "fourth", p.Message.Text)
}

func TestStreamDisconnectDeregisters(t *testing.T) {
	s := newTestServer(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	visitor := s.client.VisitorStream("v-003")
	visitor.Start(ctx)
	admin := s.client.AdminStream()
	admin.Start(context.Background())

	nextEvent(t, visitor)
	nextEvent(t, admin)
	assert.Equal(t, registry.Stats{Visitors: 1, Admins: 1, Total: 2}, s.registry.Stats())

	cancel()
	require.NoError(t, admin.Close())
	for _, sc := range []*backchannel.StreamClient{visitor, admin} {
		select {
		case <-sc.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("stream client did not stop")
		}
	}

	require.Eventually(t, func() bool {
		return s.registry.Stats() == registry.Stats{}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, s.registry.Notify(registry.Visitor("v-003"), "new-message", nil).Attempted)
	assert.Zero(t, s.registry.Notify(registry.Admins, "new-message", nil).Attempted)
}

func TestCheckMessages(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ctx := context.Background()

	first, err := s.client.SendMessage(ctx, "v-003", "question", "")
	require.NoError(t, err)

	check, err := s.client.Check(ctx, "v-003", first.MessageID)
	require.NoError(t, err)
	assert.False(t, check.HasNew)
	assert.Equal(t, 0, check.UnreadCount)
	assert.Empty(t, check.Messages)

	_, err = s.client.Reply(ctx, "v-003", "answer")
	require.NoError(t, err)

	check, err = s.client.Check(ctx, "v-003", first.MessageID)
	require.NoError(t, err)
	assert.True(t, check.HasNew)
	assert.Equal(t, 1, check.UnreadCount)
	require.Len(t, check.Messages, 1)
	assert.Equal(t, "answer", check.Messages[0].Text)

	// An unknown id returns the whole thread.
	check, err = s.client.Check(ctx, "v-003", "unknown")
	require.NoError(t, err)
	assert.Len(t, check.Messages, 2)
}

func TestFeedback(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ctx := context.Background()

	resp, err := s.client.Feedback(ctx, backchannel.FeedbackRequest{VisitorID: "v-004", Type: "ping"})
	require.NoError(t, err)
	require.NotNil(t, resp.Count)
	assert.Equal(t, 1, *resp.Count)
	assert.Empty(t, resp.MessageID)

	resp, err = s.client.Feedback(ctx, backchannel.FeedbackRequest{VisitorID: "v-004", Type: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 2, *resp.Count)

	msgs, err := s.client.Messages(ctx, "v-004")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	bad := []backchannel.FeedbackRequest{
		{VisitorID: "bad id!", Type: "message", Text: "x"},
		{VisitorID: "", Type: "message", Text: "x"},
		{VisitorID: "v-004", Type: "shout", Text: "x"},
		{VisitorID: "v-004", Type: "message", Text: "   "},
	}
	for _, req := range bad {
		_, err := s.client.Feedback(ctx, req)
		var apiErr *backchannel.APIError
		require.ErrorAs(t, err, &apiErr, "%+v", req)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status, "%+v", req)
	}
}

func TestFeedbackRejectsNonJSON(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp, err := http.Post(s.URL+"/feedback", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestBlockedVisitor(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.client.Block(ctx, "v-005"))

	_, err := s.client.SendMessage(ctx, "v-005", "let me in", "")
	var apiErr *backchannel.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "blocked", apiErr.Message)

	msgs, err := s.client.Messages(ctx, "v-005")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.client.Unblock(ctx, "v-005"))
	_, err = s.client.SendMessage(ctx, "v-005", "thanks", "")
	require.NoError(t, err)

	err = s.client.Unblock(ctx, "v-005")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, nil, nil)

	routes := []struct {
		method, path string
	}{
		{http.MethodGet, "/admin/threads"},
		{http.MethodGet, "/admin/stream"},
		{http.MethodPost, "/admin/threads/v-001/reply"},
		{http.MethodDelete, "/admin/threads/v-001"},
		{http.MethodPut, "/admin/blocked/v-001"},
		{http.MethodDelete, "/admin/blocked/v-001"},
	}
	for _, rt := range routes {
		for _, token := range []string{"", "wrong"} {
			req, err := http.NewRequest(rt.method, s.URL+rt.path, nil)
			require.NoError(t, err)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s token=%q", rt.method, rt.path, token)
		}
	}

	// Stream clients may pass the token as a query parameter.
	resp, err := http.Get(s.URL + "/admin/threads?auth=" + adminToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestThink(t *testing.T) {
	thinker := &fakeThinker{thought: llm.Thought{Thought: "oh, a visitor", Mood: "curious"}}
	s := newTestServer(t, thinker, nil)
	ctx := context.Background()

	_, err := s.client.SendMessage(ctx, "visitor-0001", "hi", "/about")
	require.NoError(t, err)

	got, err := s.client.Think(ctx, backchannel.ThinkRequest{
		VisitorID: "visitor-0001",
		Trigger:   "idle",
		Context:   backchannel.ThinkContext{CurrentPage: "/about", TimeOnPage: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "oh, a visitor", got.Thought)
	assert.Equal(t, "curious", got.Mood)

	req := thinker.last()
	assert.Equal(t, "idle", req.Trigger)
	assert.Equal(t, 42, req.Context.TimeOnPage)
	require.NotNil(t, req.Metadata)
	assert.Equal(t, 1, req.Metadata.MessageCount)
}

func TestThinkErrors(t *testing.T) {
	valid := backchannel.ThinkRequest{VisitorID: "visitor-0001", Trigger: "page_load"}

	tests := []struct {
		name       string
		req        backchannel.ThinkRequest
		thinkErr   error
		checker    ratelimit.Checker
		wantStatus int
		wantReason string
	}{
		{name: "short vid", req: backchannel.ThinkRequest{VisitorID: "v-1", Trigger: "idle"}, wantStatus: http.StatusBadRequest},
		{name: "bad trigger", req: backchannel.ThinkRequest{VisitorID: "visitor-0001", Trigger: "dance"}, wantStatus: http.StatusBadRequest},
		{name: "not configured", req: valid, thinkErr: llm.ErrNotConfigured, wantStatus: http.StatusServiceUnavailable},
		{name: "upstream", req: valid, thinkErr: fmt.Errorf("%w: boom", llm.ErrUpstream), wantStatus: http.StatusBadGateway},
		{name: "breaker open", req: valid, thinkErr: llm.ErrUnavailable, wantStatus: http.StatusBadGateway},
		{name: "timeout", req: valid, thinkErr: llm.ErrTimeout, wantStatus: http.StatusGatewayTimeout},
		{name: "unexpected", req: valid, thinkErr: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError},
		{
			name:       "rate limited",
			req:        valid,
			checker:    fakeChecker{decision: ratelimit.Decision{Reason: ratelimit.ReasonVID, RetryAfter: 1500 * time.Millisecond}},
			wantStatus: http.StatusTooManyRequests,
			wantReason: "vid limit",
		},
		{
			name:       "limiter broken",
			req:        valid,
			checker:    fakeChecker{err: errors.New("redis down")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeThinker{err: tt.thinkErr}, tt.checker)

			_, err := s.client.Think(context.Background(), tt.req)
			var apiErr *backchannel.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantReason, apiErr.Reason)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", apiErr.Message)
			}
		})
	}
}

func TestThinkRetryAfterHeader(t *testing.T) {
	s := newTestServer(t, nil, fakeChecker{decision: ratelimit.Decision{Reason: ratelimit.ReasonDaily, RetryAfter: 90 * time.Second}})

	body := `{"vid":"visitor-0001","trigger":"click","context":{"currentPage":"/"}}`
	resp, err := http.Post(s.URL+"/creature/think", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "90", resp.Header.Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)

	health, err := s.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Checks, "storage")
	assert.NotContains(t, health.Checks, "redis")
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp, err := http.Get(s.URL + "/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

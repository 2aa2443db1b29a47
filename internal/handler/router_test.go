package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/tgfeed/internal/feed"
	"github.com/hitoshi/tgfeed/internal/middleware"
	"github.com/hitoshi/tgfeed/internal/model"
)

type statusCounter struct {
	codes []int
}

func (s *statusCounter) RecordHTTPStatus(code int) {
	s.codes = append(s.codes, code)
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter(t *testing.T, buf *bytes.Buffer, mutate func(*RouterDeps)) http.Handler {
	t.Helper()
	logger := newTestLogger(buf)
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	t.Cleanup(rl.Stop)

	deps := &RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		PostsService: &mockPostsService{getPageFn: func(context.Context, feed.PageRequest) (*feed.PageResult, error) {
			return &feed.PageResult{Posts: samplePosts(1), HasMore: false}, nil
		}},
		RSSConfig: RSSConfig{Title: "ch", ChannelURL: "https://t.me/s/ch"},
		SubscriptionService: &mockSubscriptionService{
			subscribeFn:   func(context.Context, string) error { return nil },
			confirmFn:     func(context.Context, string) error { return nil },
			unsubscribeFn: func(context.Context, string) error { return nil },
		},
		MediaFetcher: &mockMediaFetcher{fetchFn: func(context.Context, string) (*feed.Media, error) {
			return &feed.Media{Data: []byte("x"), ContentType: "image/png"}, nil
		}},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	}
	if mutate != nil {
		mutate(deps)
	}
	return NewRouter(deps)
}

func TestRouter_Endpoints(t *testing.T) {
	var buf bytes.Buffer
	router := createTestRouter(t, &buf, nil)

	tests := []struct {
		method     string
		target     string
		body       string
		wantStatus int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/posts", "", http.StatusOK},
		{http.MethodGet, "/feed.xml", "", http.StatusOK},
		{http.MethodGet, "/api/media?url=https%3A%2F%2Ftelesco.pe%2Fa.png", "", http.StatusOK},
		{http.MethodPost, "/api/subscribe", `{"email":"reader@example.com"}`, http.StatusOK},
		{http.MethodGet, "/api/subscribe/confirm?token=t", "", http.StatusOK},
		{http.MethodGet, "/api/unsubscribe?token=t", "", http.StatusOK},
		{http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body=%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRouter_SubscribeNonPostReturns405(t *testing.T) {
	var buf bytes.Buffer
	router := createTestRouter(t, &buf, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, "/api/subscribe", nil))

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", method, w.Code)
			continue
		}
		if body := decodeError(t, w); body.Code != model.ErrCodeMethodNotAllowed {
			t.Errorf("%s: code = %s, want METHOD_NOT_ALLOWED", method, body.Code)
		}
	}
}

func TestRouter_PreflightAndHeaders(t *testing.T) {
	var buf bytes.Buffer
	router := createTestRouter(t, &buf, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/subscribe", nil)
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestRouter_SubscribeRateLimited(t *testing.T) {
	var buf bytes.Buffer
	router := createTestRouter(t, &buf, nil)

	var last int
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/subscribe", strings.NewReader(`{"email":"reader@example.com"}`))
		req.RemoteAddr = "203.0.113.5:1000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("11回目のstatus = %d, want 429", last)
	}

	// 別IPは影響を受けない
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe", strings.NewReader(`{"email":"reader@example.com"}`))
	req.RemoteAddr = "203.0.113.6:1000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("別IPのstatus = %d, want 200", w.Code)
	}
}

func TestRouter_CustomMediaPathAndNoMetrics(t *testing.T) {
	var buf bytes.Buffer
	router := createTestRouter(t, &buf, func(d *RouterDeps) {
		d.MediaProxyPath = "/img"
		d.MetricsHandler = nil
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/img?url=https%3A%2F%2Ftelesco.pe%2Fa.png", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/img status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404", w.Code)
	}
}

func TestRouter_RecordsStatusAndLogs(t *testing.T) {
	var buf bytes.Buffer
	counter := &statusCounter{}
	router := createTestRouter(t, &buf, func(d *RouterDeps) {
		d.StatusObserver = counter
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if len(counter.codes) != 2 || counter.codes[0] != 200 || counter.codes[1] != 404 {
		t.Errorf("codes = %v, want [200 404]", counter.codes)
	}
	if !strings.Contains(buf.String(), `"msg":"http_request"`) {
		t.Errorf("アクセスログが出力されていない: %s", buf.String())
	}
}

func TestRouter_TrustProxyHeaders(t *testing.T) {
	var buf bytes.Buffer
	router := createTestRouter(t, &buf, func(d *RouterDeps) {
		d.TrustProxyHeaders = true
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Real-IP", "198.51.100.20")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), `"client_ip":"198.51.100.20"`) {
		t.Errorf("プロキシヘッダーのIPが使われていない: %s", buf.String())
	}
}

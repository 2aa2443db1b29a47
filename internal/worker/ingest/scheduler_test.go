package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// syncBuffer はスケジューラのゴルーチンとテストから同時に使えるログ出力先。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockIngester はIngesterのテスト用モック。
type mockIngester struct {
	calls      atomic.Int32
	ingestFunc func(ctx context.Context, call int) (int, error)
}

func (m *mockIngester) IngestLatest(ctx context.Context) (int, error) {
	n := int(m.calls.Add(1))
	if m.ingestFunc != nil {
		return m.ingestFunc(ctx, n)
	}
	return 0, nil
}

func TestRunOnce_SuccessLogsAdded(t *testing.T) {
	var buf syncBuffer
	ing := &mockIngester{ingestFunc: func(context.Context, int) (int, error) { return 3, nil }}
	s := NewScheduler(ing, newTestLogger(&buf), 5*time.Minute)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if !strings.Contains(buf.String(), `"added":3`) {
		t.Errorf("追加件数がログに出力されていない: %s", buf.String())
	}
	if s.NextDelay() != 5*time.Minute {
		t.Errorf("NextDelay = %v, want %v", s.NextDelay(), 5*time.Minute)
	}
}

func TestRunOnce_FailureIncreasesBackoff(t *testing.T) {
	var buf syncBuffer
	ing := &mockIngester{ingestFunc: func(context.Context, int) (int, error) {
		return 0, errors.New("upstream 502")
	}}
	s := NewScheduler(ing, newTestLogger(&buf), 5*time.Minute)

	for i := 0; i < 2; i++ {
		if err := s.RunOnce(context.Background()); err == nil {
			t.Fatal("RunOnce がエラーを返さなかった")
		}
	}
	if s.ConsecutiveErrors() != 2 {
		t.Errorf("ConsecutiveErrors = %d, want 2", s.ConsecutiveErrors())
	}
	if s.NextDelay() != 20*time.Minute {
		t.Errorf("NextDelay = %v, want %v", s.NextDelay(), 20*time.Minute)
	}
	if !strings.Contains(buf.String(), "upstream 502") {
		t.Errorf("エラーがログに出力されていない: %s", buf.String())
	}
}

func TestRunOnce_SuccessResetsBackoff(t *testing.T) {
	var buf syncBuffer
	ing := &mockIngester{ingestFunc: func(_ context.Context, call int) (int, error) {
		if call < 3 {
			return 0, errors.New("timeout")
		}
		return 1, nil
	}}
	s := NewScheduler(ing, newTestLogger(&buf), time.Minute)

	for i := 0; i < 3; i++ {
		_ = s.RunOnce(context.Background())
	}
	if s.ConsecutiveErrors() != 0 {
		t.Errorf("成功後のConsecutiveErrors = %d, want 0", s.ConsecutiveErrors())
	}
	if s.NextDelay() != time.Minute {
		t.Errorf("NextDelay = %v, want %v", s.NextDelay(), time.Minute)
	}
}

func TestStart_RunsImmediatelyAndRepeats(t *testing.T) {
	var buf syncBuffer
	ing := &mockIngester{}
	s := NewScheduler(ing, newTestLogger(&buf), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ing.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("取り込みが繰り返し実行されていない: calls=%d", ing.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後もStartが終了しない")
	}
	if !strings.Contains(buf.String(), "取り込みスケジューラを停止しました") {
		t.Errorf("停止ログが出力されていない: %s", buf.String())
	}
}

func TestStart_ZeroIntervalDisabled(t *testing.T) {
	var buf syncBuffer
	ing := &mockIngester{}
	s := NewScheduler(ing, newTestLogger(&buf), 0)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("interval=0でStartが戻らない")
	}
	if ing.calls.Load() != 0 {
		t.Errorf("interval=0で取り込みが実行された: %d", ing.calls.Load())
	}
}

package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsman/internal/metrics"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	execCalled bool
	query      string
	args       []interface{}
	result     sql.Result
	err        error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.execCalled = true
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewWorker_Defaults(t *testing.T) {
	var buf bytes.Buffer
	w := NewWorker(&mockExecutor{}, newTestLogger(&buf), metrics.NopCollector{})

	if w.Retention != 5*24*time.Hour {
		t.Errorf("Retention = %v, want %v", w.Retention, 5*24*time.Hour)
	}
	if w.Interval != 24*time.Hour {
		t.Errorf("Interval = %v, want %v", w.Interval, 24*time.Hour)
	}
}

func TestRunOnce_ExecutesDeleteQuery(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		result: &fakeResult{rowsAffected: 5},
	}
	w := NewWorker(mock, newTestLogger(&buf), metrics.NopCollector{})

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce はエラーを返してはならない: %v", err)
	}

	if !mock.execCalled {
		t.Fatal("ExecContext が呼ばれていない")
	}
	if !strings.Contains(mock.query, "DELETE FROM idempotency") {
		t.Errorf("DELETEクエリが期待と異なる: %s", mock.query)
	}
	if !strings.Contains(mock.query, "created_at < now() - $1::interval") {
		t.Errorf("保持期間の条件が期待と異なる: %s", mock.query)
	}
}

func TestRunOnce_PassesRetentionAsInterval(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		result: &fakeResult{rowsAffected: 0},
	}
	w := NewWorker(mock, newTestLogger(&buf), metrics.NopCollector{})
	w.Retention = 5 * 24 * time.Hour

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce はエラーを返してはならない: %v", err)
	}

	if len(mock.args) != 1 {
		t.Fatalf("引数の数 = %d, want 1", len(mock.args))
	}
	// 5日 = 432000秒
	if mock.args[0] != "432000 seconds" {
		t.Errorf("interval引数 = %v, want %q", mock.args[0], "432000 seconds")
	}
}

func TestRunOnce_PropagatesDatabaseError(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		err: errors.New("connection refused"),
	}
	w := NewWorker(mock, newTestLogger(&buf), metrics.NopCollector{})

	err := w.RunOnce(context.Background())
	if err == nil {
		t.Fatal("データベースエラーは呼び出し元に伝播すべき")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("原因エラーがラップされていない: %v", err)
	}
}

func TestRunOnce_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		result: &fakeResult{rowsAffected: 42},
	}
	w := NewWorker(mock, newTestLogger(&buf), metrics.NopCollector{})

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce はエラーを返してはならない: %v", err)
	}

	if !strings.Contains(buf.String(), `"deleted_count":42`) {
		t.Errorf("削除件数がログに含まれていない: %s", buf.String())
	}
}

func TestRun_ReturnsWhenDatabaseFails(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		err: errors.New("connection refused"),
	}
	w := NewWorker(mock, newTestLogger(&buf), metrics.NopCollector{})

	// 起動直後のRunOnceで失敗するため、Runはすぐエラーで戻る
	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("Run はデータベースエラーで終了すべき")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		result: &fakeResult{rowsAffected: 0},
	}
	w := NewWorker(mock, newTestLogger(&buf), metrics.NopCollector{})
	w.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run はコンテキストキャンセルで終了すべき: %v", err)
	}
}

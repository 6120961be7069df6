package repository

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/hitoshi/newsman/internal/idempotency"
	"github.com/hitoshi/newsman/internal/model"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// mockTx はTxのモック実装。INSERTの挿入行数を設定で差し替える。
type mockTx struct {
	insertedRows int64
	execErr      error

	committed  bool
	rolledBack bool
}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if m.execErr != nil {
		return nil, m.execErr
	}
	return &fakeResult{rowsAffected: m.insertedRows}, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (m *mockTx) Commit() error {
	m.committed = true
	return nil
}
func (m *mockTx) Rollback() error {
	m.rolledBack = true
	return nil
}

// mockIdempotencyStore は反復ごとの結果をスクリプトとして再生するモック。
type mockIdempotencyStore struct {
	txs      []*mockTx
	beginErr error

	savedResponses []*model.StoredResponse
	findErr        error

	beginCalls int
	findCalls  int
}

func (m *mockIdempotencyStore) begin(ctx context.Context) (Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	tx := m.txs[m.beginCalls]
	m.beginCalls++
	return tx, nil
}

func (m *mockIdempotencyStore) findSavedResponse(ctx context.Context, userID string, key idempotency.Key) (*model.StoredResponse, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	saved := m.savedResponses[m.findCalls]
	m.findCalls++
	return saved, nil
}

func mustKey(t *testing.T, s string) idempotency.Key {
	t.Helper()
	key, err := idempotency.NewKey(s)
	if err != nil {
		t.Fatalf("キーの構築に失敗: %v", err)
	}
	return key
}

func TestTryProcessing_InsertWinsFirstTry(t *testing.T) {
	tx := &mockTx{insertedRows: 1}
	store := &mockIdempotencyStore{txs: []*mockTx{tx}}
	repo := &PostgresIdempotencyRepo{store: store}

	action, err := repo.TryProcessing(context.Background(), "user-1", mustKey(t, "key-1"))
	if err != nil {
		t.Fatalf("TryProcessing はエラーを返してはならない: %v", err)
	}

	if action.Tx == nil {
		t.Fatal("挿入に成功した場合は実行権（Tx）を獲得すべき")
	}
	if action.Saved != nil {
		t.Error("実行権獲得時にSavedが設定されてはならない")
	}
	if tx.rolledBack {
		t.Error("実行権を返すトランザクションをロールバックしてはならない")
	}
	if store.findCalls != 0 {
		t.Error("挿入に成功した場合はキャッシュ応答を探す必要がない")
	}
}

func TestTryProcessing_ConflictReturnsSavedResponse(t *testing.T) {
	saved := &model.StoredResponse{
		StatusCode: 200,
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
		Body:       []byte(`{"issue_id":"issue-1","message":"ok"}`),
	}
	tx := &mockTx{insertedRows: 0}
	store := &mockIdempotencyStore{
		txs:            []*mockTx{tx},
		savedResponses: []*model.StoredResponse{saved},
	}
	repo := &PostgresIdempotencyRepo{store: store}

	action, err := repo.TryProcessing(context.Background(), "user-1", mustKey(t, "key-1"))
	if err != nil {
		t.Fatalf("TryProcessing はエラーを返してはならない: %v", err)
	}

	if action.Saved == nil {
		t.Fatal("確定済みの応答がある場合はSavedを返すべき")
	}
	if !bytes.Equal(action.Saved.Body, saved.Body) {
		t.Error("キャッシュ応答はそのまま返るべき")
	}
	if action.Tx != nil {
		t.Error("再生時にTxが設定されてはならない")
	}
	if !tx.rolledBack {
		t.Error("競合したトランザクションは破棄すべき")
	}
}

func TestTryProcessing_VanishedRowRetriesUntilOwned(t *testing.T) {
	// 1回目: 競合するが応答が無い（先行実行のロールバックで行が消えた）
	// 2回目: 挿入に成功し、呼び出し元が新たな実行者になる
	conflictTx := &mockTx{insertedRows: 0}
	ownedTx := &mockTx{insertedRows: 1}
	store := &mockIdempotencyStore{
		txs:            []*mockTx{conflictTx, ownedTx},
		savedResponses: []*model.StoredResponse{nil},
	}
	repo := &PostgresIdempotencyRepo{store: store}

	action, err := repo.TryProcessing(context.Background(), "user-1", mustKey(t, "key-1"))
	if err != nil {
		t.Fatalf("TryProcessing はエラーを返してはならない: %v", err)
	}

	if store.beginCalls != 2 {
		t.Errorf("beginCalls = %d, want 2（挿入をやり直すべき）", store.beginCalls)
	}
	if !conflictTx.rolledBack {
		t.Error("競合したトランザクションは破棄すべき")
	}
	if action.Tx == nil {
		t.Fatal("再挿入に成功した場合は実行権（Tx）を獲得すべき")
	}
	if action.Saved != nil {
		t.Error("実行権獲得時にSavedが設定されてはならない")
	}
}

func TestTryProcessing_ContextCancelStopsRetryLoop(t *testing.T) {
	// 常に競合し、応答も無いスクリプト。キャンセル済みコンテキストなら
	// 1回の試行でループを抜ける。
	tx := &mockTx{insertedRows: 0}
	store := &mockIdempotencyStore{
		txs:            []*mockTx{tx},
		savedResponses: []*model.StoredResponse{nil},
	}
	repo := &PostgresIdempotencyRepo{store: store}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.TryProcessing(ctx, "user-1", mustKey(t, "key-1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("キャンセルされたコンテキストでは再試行を打ち切るべき: %v", err)
	}
	if store.beginCalls != 1 {
		t.Errorf("beginCalls = %d, want 1", store.beginCalls)
	}
}

func TestTryProcessing_BeginError(t *testing.T) {
	store := &mockIdempotencyStore{beginErr: errors.New("connection refused")}
	repo := &PostgresIdempotencyRepo{store: store}

	_, err := repo.TryProcessing(context.Background(), "user-1", mustKey(t, "key-1"))
	if err == nil {
		t.Fatal("トランザクション開始の失敗はエラーになるべき")
	}
}

func TestTryProcessing_InsertErrorRollsBack(t *testing.T) {
	tx := &mockTx{execErr: errors.New("connection refused")}
	store := &mockIdempotencyStore{txs: []*mockTx{tx}}
	repo := &PostgresIdempotencyRepo{store: store}

	_, err := repo.TryProcessing(context.Background(), "user-1", mustKey(t, "key-1"))
	if err == nil {
		t.Fatal("挿入の失敗はエラーになるべき")
	}
	if !tx.rolledBack {
		t.Error("挿入に失敗したトランザクションは破棄すべき")
	}
}

func TestTryProcessing_FindSavedResponseError(t *testing.T) {
	tx := &mockTx{insertedRows: 0}
	store := &mockIdempotencyStore{
		txs:     []*mockTx{tx},
		findErr: errors.New("connection refused"),
	}
	repo := &PostgresIdempotencyRepo{store: store}

	_, err := repo.TryProcessing(context.Background(), "user-1", mustKey(t, "key-1"))
	if err == nil {
		t.Fatal("キャッシュ応答取得の失敗はエラーになるべき")
	}
}

func TestSaveResponse_UpdatesAndCommits(t *testing.T) {
	tx := &saveResponseTx{updatedRows: 1}
	repo := NewPostgresIdempotencyRepo(nil)

	resp := &model.StoredResponse{
		StatusCode: 200,
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
		Body:       []byte(`{"issue_id":"issue-1"}`),
	}

	err := repo.SaveResponse(context.Background(), tx, "user-1", mustKey(t, "key-1"), resp)
	if err != nil {
		t.Fatalf("SaveResponse はエラーを返してはならない: %v", err)
	}
	if !tx.committed {
		t.Error("応答保存後にコミットすべき")
	}
}

func TestSaveResponse_MissingRowIsError(t *testing.T) {
	tx := &saveResponseTx{updatedRows: 0}
	repo := NewPostgresIdempotencyRepo(nil)

	resp := &model.StoredResponse{StatusCode: 200, Body: []byte(`{}`)}

	err := repo.SaveResponse(context.Background(), tx, "user-1", mustKey(t, "key-1"), resp)
	if err == nil {
		t.Fatal("更新対象の行が無い場合はエラーになるべき")
	}
	if tx.committed {
		t.Error("更新できなかった場合にコミットしてはならない")
	}
}

// saveResponseTx はUPDATEの更新行数を設定で差し替えるTxモック。
type saveResponseTx struct {
	updatedRows int64
	committed   bool
	rolledBack  bool
}

func (m *saveResponseTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return &fakeResult{rowsAffected: m.updatedRows}, nil
}
func (m *saveResponseTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *saveResponseTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (m *saveResponseTx) Commit() error {
	m.committed = true
	return nil
}
func (m *saveResponseTx) Rollback() error {
	m.rolledBack = true
	return nil
}

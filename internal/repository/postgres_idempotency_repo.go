package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/newsman/internal/idempotency"
	"github.com/hitoshi/newsman/internal/model"
)

// idempotencyStore はTryProcessingの協調点を抽象化するインターフェース。
// 本実装はsqlIdempotencyStore。テストではモック実装に差し替え、
// 競合・再試行のシーケンスを直接駆動する。
type idempotencyStore interface {
	// begin は新しいトランザクションを開始する。
	begin(ctx context.Context) (Tx, error)
	// findSavedResponse は確定済みの応答を取得する。
	// 応答が未保存（進行中または未実行）の場合はnilを返す。
	findSavedResponse(ctx context.Context, userID string, key idempotency.Key) (*model.StoredResponse, error)
}

// PostgresIdempotencyRepo はPostgreSQLを使用した冪等レコードリポジトリ。
// (user_id, idempotency_key)行の一意制約と行ロックで、同一コマンドの
// 重複実行をデータベース側で直列化する。アプリケーション側のミューテックスは使わない。
type PostgresIdempotencyRepo struct {
	store idempotencyStore
}

// NewPostgresIdempotencyRepo はPostgresIdempotencyRepoを生成する。
func NewPostgresIdempotencyRepo(db *sql.DB) *PostgresIdempotencyRepo {
	return &PostgresIdempotencyRepo{store: &sqlIdempotencyStore{db: db}}
}

// TryProcessing は冪等レコードの挿入を試み、次の振る舞いを決定する。
//
// ON CONFLICT DO NOTHINGの挿入は、同じ行を保持する先行トランザクションが
// 確定するまで行ロックでブロックする。ブロック解除後:
//   - 挿入できた場合は実行権獲得（Txを返す）
//   - 既存行に応答が残っている場合はキャッシュ応答を返す
//   - 既存行が消えていた場合（先行実行のロールバック）は挿入をやり直し、
//     呼び出し元が新たな実行者になる
func (r *PostgresIdempotencyRepo) TryProcessing(ctx context.Context, userID string, key idempotency.Key) (*NextAction, error) {
	for {
		tx, err := r.store.begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency (user_id, idempotency_key, created_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT DO NOTHING`,
			userID, key.String(),
		)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("冪等レコードの挿入に失敗しました: %w", err)
		}

		inserted, err := result.RowsAffected()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("挿入結果の取得に失敗しました: %w", err)
		}

		if inserted > 0 {
			return &NextAction{Tx: tx}, nil
		}

		// 行は既に存在していた。このトランザクションは不要になったので破棄し、
		// 確定済みの応答を探す。
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("トランザクションの破棄に失敗しました: %w", err)
		}

		saved, err := r.store.findSavedResponse(ctx, userID, key)
		if err != nil {
			return nil, err
		}
		if saved != nil {
			return &NextAction{Saved: saved}, nil
		}

		// 応答が無い = 先行実行はロールバックで消えた。挿入をやり直す。
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// SaveResponse は応答を冪等レコードへ書き込み、トランザクションをコミットする。
// ここが号・配信タスク・キャッシュ応答をまとめて耐久化する唯一のコミット地点。
func (r *PostgresIdempotencyRepo) SaveResponse(ctx context.Context, tx Tx, userID string, key idempotency.Key, resp *model.StoredResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("応答ヘッダのシリアライズに失敗しました: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE idempotency
		 SET response_status_code = $3,
		     response_headers = $4,
		     response_body = $5
		 WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key.String(), resp.StatusCode, headers, resp.Body,
	)
	if err != nil {
		return fmt.Errorf("応答の保存に失敗しました: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("更新対象の冪等レコードが存在しません: user=%s key=%s", userID, key.String())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return nil
}

// sqlIdempotencyStore はidempotencyStoreの*sql.DB実装。
type sqlIdempotencyStore struct {
	db *sql.DB
}

func (s *sqlIdempotencyStore) begin(ctx context.Context) (Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *sqlIdempotencyStore) findSavedResponse(ctx context.Context, userID string, key idempotency.Key) (*model.StoredResponse, error) {
	var (
		statusCode int
		headersRaw []byte
		body       []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT response_status_code, response_headers, response_body
		 FROM idempotency
		 WHERE user_id = $1 AND idempotency_key = $2
		   AND response_status_code IS NOT NULL`,
		userID, key.String(),
	).Scan(&statusCode, &headersRaw, &body)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キャッシュ応答の取得に失敗しました: %w", err)
	}

	headers := map[string][]string{}
	if len(headersRaw) > 0 {
		if err := json.Unmarshal(headersRaw, &headers); err != nil {
			return nil, fmt.Errorf("応答ヘッダの復元に失敗しました: %w", err)
		}
	}

	return &model.StoredResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// compile-time interface checks
var (
	_ IdempotencyRepository = (*PostgresIdempotencyRepo)(nil)
	_ idempotencyStore      = (*sqlIdempotencyStore)(nil)
)

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newsman/internal/model"
)

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

// CreateWithToken は購読者と確認トークンを同一トランザクションで作成する。
// 同じメールアドレスの再申込は既存行を維持したまま名前だけ更新し、
// sub.IDを既存の購読者IDで上書きする。
func (r *PostgresSubscriberRepo) CreateWithToken(ctx context.Context, sub *model.Subscriber, token string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO subscriptions (id, email, name, subscribed_at, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		sub.ID, sub.Email, sub.Name, sub.SubscribedAt, sub.Status,
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscription_tokens (subscription_token, subscriber_id)
		 VALUES ($1, $2)`,
		token, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("確認トークンの保存に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// FindSubscriberIDByToken は確認トークンから購読者IDを検索する。
// 見つからない場合は空文字列を返す。
func (r *PostgresSubscriberRepo) FindSubscriberIDByToken(ctx context.Context, token string) (string, error) {
	var subscriberID string
	err := r.db.QueryRowContext(ctx,
		`SELECT subscriber_id FROM subscription_tokens WHERE subscription_token = $1`,
		token,
	).Scan(&subscriberID)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("確認トークンの検索に失敗しました: %w", err)
	}
	return subscriberID, nil
}

// ConfirmSubscriber は購読者の状態をconfirmedへ更新する。
// 既にconfirmedの場合も成功として扱う（冪等）。
func (r *PostgresSubscriberRepo) ConfirmSubscriber(ctx context.Context, subscriberID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'confirmed' WHERE id = $1`,
		subscriberID,
	)
	if err != nil {
		return fmt.Errorf("購読者の確認処理に失敗しました: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("購読者が見つかりません: %s", subscriberID)
	}
	return nil
}

// compile-time interface check
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)

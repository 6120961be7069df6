package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newsman/internal/model"
)

// PostgresDeliveryQueueRepo はPostgreSQLを使用した配信キューリポジトリ。
// 複数のワーカーインスタンスがキューを共有する前提で、
// FOR UPDATE SKIP LOCKEDによる確保で同一行の二重処理を防ぐ。
type PostgresDeliveryQueueRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryQueueRepo はPostgresDeliveryQueueRepoを生成する。
func NewPostgresDeliveryQueueRepo(db *sql.DB) *PostgresDeliveryQueueRepo {
	return &PostgresDeliveryQueueRepo{db: db}
}

// ClaimTask は未処理タスクを1件排他的に確保する。
// 他のワーカーが確保中の行はスキップする。キューが空の場合は(nil, nil, nil)を返す。
// タスクが返った場合、行ロックは返されたTxの確定まで保持される。
func (r *PostgresDeliveryQueueRepo) ClaimTask(ctx context.Context) (Tx, *model.DeliveryTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}

	task := &model.DeliveryTask{}
	err = tx.QueryRowContext(ctx,
		`SELECT newsletter_issue_id, subscriber_email
		 FROM issue_delivery_queue
		 FOR UPDATE
		 SKIP LOCKED
		 LIMIT 1`,
	).Scan(&task.NewsletterIssueID, &task.SubscriberEmail)

	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("配信タスクの確保に失敗しました: %w", err)
	}

	return tx, task, nil
}

// DeleteTask は確保済みタスクの行を削除する。
// 削除がタスクの完了地点であり、確保時のTxの中で呼んでコミットすること。
func (r *PostgresDeliveryQueueRepo) DeleteTask(ctx context.Context, ex Executor, task *model.DeliveryTask) error {
	_, err := ex.ExecContext(ctx,
		`DELETE FROM issue_delivery_queue
		 WHERE newsletter_issue_id = $1 AND subscriber_email = $2`,
		task.NewsletterIssueID, task.SubscriberEmail,
	)
	if err != nil {
		return fmt.Errorf("配信タスクの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ DeliveryQueueRepository = (*PostgresDeliveryQueueRepo)(nil)

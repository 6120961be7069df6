package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newsman/internal/model"
)

// PostgresNewsletterRepo はPostgreSQLを使用したニュースレター号リポジトリ。
type PostgresNewsletterRepo struct {
	db *sql.DB
}

// NewPostgresNewsletterRepo はPostgresNewsletterRepoを生成する。
func NewPostgresNewsletterRepo(db *sql.DB) *PostgresNewsletterRepo {
	return &PostgresNewsletterRepo{db: db}
}

// InsertIssue はニュースレター号を作成する。
// 公開コマンドのトランザクション内で呼ばれることを想定し、Executorを受け取る。
func (r *PostgresNewsletterRepo) InsertIssue(ctx context.Context, ex Executor, issue *model.NewsletterIssue) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO newsletter_issues (id, title, text_content, html_content, published_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		issue.ID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("ニュースレター号の作成に失敗しました: %w", err)
	}
	return nil
}

// EnqueueDeliveryTasks は確認済み購読者1人につき1行の配信タスクを作成する。
// Nラウンドトリップではなく、集合ベースの単一INSERTで一括作成する。
func (r *PostgresNewsletterRepo) EnqueueDeliveryTasks(ctx context.Context, ex Executor, issueID string) (int64, error) {
	result, err := ex.ExecContext(ctx,
		`INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		 SELECT $1, email
		 FROM subscriptions
		 WHERE status = 'confirmed'`,
		issueID,
	)
	if err != nil {
		return 0, fmt.Errorf("配信タスクの一括作成に失敗しました: %w", err)
	}

	enqueued, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("作成行数の取得に失敗しました: %w", err)
	}
	return enqueued, nil
}

// FindIssueByID は指定IDの号を取得する。見つからない場合はnilを返す。
func (r *PostgresNewsletterRepo) FindIssueByID(ctx context.Context, id string) (*model.NewsletterIssue, error) {
	issue := &model.NewsletterIssue{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, text_content, html_content, published_at
		 FROM newsletter_issues WHERE id = $1`,
		id,
	).Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ニュースレター号の取得に失敗しました: %w", err)
	}

	return issue, nil
}

// compile-time interface check
var _ NewsletterRepository = (*PostgresNewsletterRepo)(nil)

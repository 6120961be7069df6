// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/newsman/internal/idempotency"
	"github.com/hitoshi/newsman/internal/model"
)

// Executor はSQL実行を抽象化するインターフェース。
// *sql.DB と *sql.Tx の双方を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx は進行中のデータベーストランザクションを抽象化する。
// *sql.Tx が実装する。テストではモック実装に差し替える。
type Tx interface {
	Executor
	Commit() error
	Rollback() error
}

// NextAction は冪等コマンドの次の振る舞いを表す。
// TxとSavedはちょうど一方だけが非nilになる:
//   - Tx非nil: 呼び出し元が実行権を獲得した。Tx内で本体処理を行い、
//     最後にSaveResponseを呼ぶこと。
//   - Saved非nil: 完了済み実行のキャッシュ応答をそのまま返すこと。
type NextAction struct {
	Tx    Tx
	Saved *model.StoredResponse
}

// IdempotencyRepository は冪等レコードの永続化インターフェース。
// (user_id, idempotency_key)の行が排他ロックと応答キャッシュを兼ねる。
type IdempotencyRepository interface {
	// TryProcessing は冪等レコードの挿入を試み、次の振る舞いを決定する。
	// 同一キーの先行実行が進行中の場合は、その確定までブロックする。
	TryProcessing(ctx context.Context, userID string, key idempotency.Key) (*NextAction, error)

	// SaveResponse は応答をレコードへ書き込み、トランザクションをコミットする。
	// TryProcessingがTxを返した実行につき、ちょうど1回呼ぶこと。
	SaveResponse(ctx context.Context, tx Tx, userID string, key idempotency.Key, resp *model.StoredResponse) error
}

// NewsletterRepository はニュースレター号の永続化インターフェース。
type NewsletterRepository interface {
	// InsertIssue はニュースレター号を作成する。
	InsertIssue(ctx context.Context, ex Executor, issue *model.NewsletterIssue) error

	// EnqueueDeliveryTasks は確認済み購読者1人につき1行の配信タスクを
	// 集合ベースの単一INSERTで作成し、作成行数を返す。
	EnqueueDeliveryTasks(ctx context.Context, ex Executor, issueID string) (int64, error)

	// FindIssueByID は指定IDの号を取得する。見つからない場合はnilを返す。
	FindIssueByID(ctx context.Context, id string) (*model.NewsletterIssue, error)
}

// DeliveryQueueRepository は配信キューの永続化インターフェース。
// タスクの削除は配信ワーカーだけが行う。
type DeliveryQueueRepository interface {
	// ClaimTask は未処理タスクを1件、他ワーカーが確保中の行をスキップして
	// 排他的に確保する。キューが空の場合は(nil, nil, nil)を返す。
	// タスクが返った場合、呼び出し元は返されたTxをCommitまたはRollbackする
	// 責務を負う。Rollbackすると行は再度確保可能になる。
	ClaimTask(ctx context.Context) (Tx, *model.DeliveryTask, error)

	// DeleteTask は確保済みタスクの行を削除する。確保時のTxの中で呼ぶこと。
	DeleteTask(ctx context.Context, ex Executor, task *model.DeliveryTask) error
}

// SubscriberRepository は購読者データの永続化インターフェース。
type SubscriberRepository interface {
	// CreateWithToken は購読者と確認トークンを同一トランザクションで作成する。
	// 同じメールアドレスの再申込は既存行を維持し、sub.IDを既存IDで上書きする。
	CreateWithToken(ctx context.Context, sub *model.Subscriber, token string) error

	// FindSubscriberIDByToken は確認トークンから購読者IDを検索する。
	// 見つからない場合は空文字列を返す。
	FindSubscriberIDByToken(ctx context.Context, token string) (string, error)

	// ConfirmSubscriber は購読者の状態をconfirmedへ更新する。
	ConfirmSubscriber(ctx context.Context, subscriberID string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// セッションの発行・破棄は外部の認証コラボレータが担うため、
// このサービスが持つのは検証のための読み取りだけ。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れ・未存在の場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

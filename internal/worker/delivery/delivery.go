// Package delivery はニュースレター配信キューを駆動するバックグラウンドワーカーを提供する。
// キューの行削除が配信完了の唯一の記録であるため、送信成功と行削除の間で
// クラッシュすると再送が起きうる（at-least-once配信）。
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"time"

	"github.com/hitoshi/newsman/internal/email"
	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/repository"
)

// taskOutcome はキュー1回分の処理結果を表す。
type taskOutcome int

const (
	// outcomeCompleted はタスクを1件確定処理した（削除または破棄）。
	outcomeCompleted taskOutcome = iota
	// outcomeEmptyQueue はキューに未処理タスクが無かった。
	outcomeEmptyQueue
	// outcomeRetryLater は一時的エラーで行を残した。少し待ってから再試行する。
	outcomeRetryLater
)

// Worker は配信キューを巡回し、1行につき1通のメールを送信するワーカー。
// 複数インスタンスが同時に動くことを前提とし、行の確保はSKIP LOCKEDで排他する。
type Worker struct {
	queue      repository.DeliveryQueueRepository
	newsletter repository.NewsletterRepository
	sender     email.Sender
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	IdleSleep  time.Duration // キューが空だったときの待機時間
	ErrorSleep time.Duration // 一時的エラー後の待機時間
}

// NewWorker はWorkerの新しいインスタンスを生成する。
func NewWorker(
	queue repository.DeliveryQueueRepository,
	newsletter repository.NewsletterRepository,
	sender email.Sender,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Worker {
	return &Worker{
		queue:      queue,
		newsletter: newsletter,
		sender:     sender,
		logger:     logger,
		metrics:    collector,
		IdleSleep:  10 * time.Second,
		ErrorSleep: 1 * time.Second,
	}
}

// Run はコンテキストがキャンセルされるまで配信キューを駆動する。
// タスクがある間は休まず連続処理し、空のときだけアイドル待機する。
// データベースエラーはループ内で再試行せず、そのまま返してワーカーを終了させる。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("配信ワーカーを開始しました",
		slog.Duration("idle_sleep", w.IdleSleep),
		slog.Duration("error_sleep", w.ErrorSleep),
	)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("配信ワーカーを停止しました")
			return err
		}

		outcome, err := w.ExecuteOne(ctx)
		if err != nil {
			return err
		}

		switch outcome {
		case outcomeEmptyQueue:
			if err := sleepCtx(ctx, w.IdleSleep); err != nil {
				w.logger.Info("配信ワーカーを停止しました")
				return err
			}
		case outcomeRetryLater:
			if err := sleepCtx(ctx, w.ErrorSleep); err != nil {
				w.logger.Info("配信ワーカーを停止しました")
				return err
			}
		}
	}
}

// ExecuteOne は配信タスクを最大1件処理する。
//
// 失敗の扱い:
//   - 一時的な送信エラー: 行を残してロールバックし、後のパスで再試行する
//   - 恒久的エラー（不正な保存アドレス、号の欠落、プロバイダの4xx）:
//     再試行しても成功し得ないため、警告ログを残して行を削除する
//   - データベースエラー: 致命的としてそのまま返す
func (w *Worker) ExecuteOne(ctx context.Context) (taskOutcome, error) {
	tx, task, err := w.queue.ClaimTask(ctx)
	if err != nil {
		return 0, err
	}
	if task == nil {
		return outcomeEmptyQueue, nil
	}

	start := time.Now()

	// 保存された宛先が壊れている行はポイズン行として破棄する。
	// 残すとこの行がキューを永遠に塞いでしまう。
	if _, err := mail.ParseAddress(task.SubscriberEmail); err != nil {
		w.logger.Warn("保存された宛先アドレスが不正なため配信タスクを破棄します",
			slog.String("newsletter_issue_id", task.NewsletterIssueID),
			slog.String("subscriber_email", task.SubscriberEmail),
			slog.String("error", err.Error()),
		)
		w.metrics.RecordEmailSendFailure(metrics.SendFailurePermanent)
		return w.completeTask(ctx, tx, task)
	}

	issue, err := w.newsletter.FindIssueByID(ctx, task.NewsletterIssueID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if issue == nil {
		w.logger.Warn("参照先のニュースレター号が存在しないため配信タスクを破棄します",
			slog.String("newsletter_issue_id", task.NewsletterIssueID),
			slog.String("subscriber_email", task.SubscriberEmail),
		)
		w.metrics.RecordEmailSendFailure(metrics.SendFailurePermanent)
		return w.completeTask(ctx, tx, task)
	}

	if err := w.sender.Send(ctx, task.SubscriberEmail, issue.Title, issue.HTMLContent, issue.TextContent); err != nil {
		var sendErr *email.SendError
		if errors.As(err, &sendErr) && sendErr.Permanent {
			w.logger.Warn("恒久的な送信エラーのため配信タスクを破棄します",
				slog.String("newsletter_issue_id", task.NewsletterIssueID),
				slog.String("subscriber_email", task.SubscriberEmail),
				slog.String("error", err.Error()),
			)
			w.metrics.RecordEmailSendFailure(metrics.SendFailurePermanent)
			return w.completeTask(ctx, tx, task)
		}

		// 一時的エラー: 行を残して後のパスで再試行する
		w.logger.Warn("一時的な送信エラーのため配信タスクを保留します",
			slog.String("newsletter_issue_id", task.NewsletterIssueID),
			slog.String("subscriber_email", task.SubscriberEmail),
			slog.String("error", err.Error()),
		)
		w.metrics.RecordEmailSendFailure(metrics.SendFailureTransient)
		tx.Rollback()
		return outcomeRetryLater, nil
	}

	w.metrics.RecordEmailSent()
	w.metrics.RecordDeliveryLatency(time.Since(start))

	return w.completeTask(ctx, tx, task)
}

// completeTask はタスクの行を削除してトランザクションをコミットする。
// 行削除がタスクの完了地点。削除・コミットの失敗は致命的として返す。
func (w *Worker) completeTask(ctx context.Context, tx repository.Tx, task *model.DeliveryTask) (taskOutcome, error) {
	if err := w.queue.DeleteTask(ctx, tx, task); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return outcomeCompleted, nil
}

// sleepCtx は指定時間待機する。コンテキストのキャンセルで中断する。
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

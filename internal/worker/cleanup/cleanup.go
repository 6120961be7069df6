// Package cleanup は期限切れ冪等レコードの自動削除ワーカーを提供する。
// 保持期間（デフォルト5日）を超過したidempotency行を日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newsman/internal/metrics"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Worker は保持期間を超過した冪等レコードの自動削除ワーカー。
// 冪等な削除処理のため、削除対象がない場合もエラーにならない。
type Worker struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	Retention time.Duration // 冪等レコードの保持期間（デフォルト: 5日）
	Interval  time.Duration // 削除サイクルの間隔（デフォルト: 24時間）
}

// NewWorker は新しいWorkerを生成する。
func NewWorker(db Executor, logger *slog.Logger, collector metrics.MetricsCollector) *Worker {
	return &Worker{
		db:        db,
		logger:    logger,
		metrics:   collector,
		Retention: 5 * 24 * time.Hour,
		Interval:  24 * time.Hour,
	}
}

// Run はコンテキストがキャンセルされるまで削除サイクルを繰り返す。
// 起動直後に1回実行し、以降はInterval間隔で実行する。
// データベースエラーはループ内で再試行せず、そのまま返してワーカーを終了させる。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("冪等レコードのクリーンアップワーカーを開始しました",
		slog.Duration("retention", w.Retention),
		slog.Duration("interval", w.Interval),
	)

	if err := w.RunOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("クリーンアップワーカーを停止しました")
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce は保持期間を超過した冪等レコードを削除する。
// created_atがRetentionより古い行をDELETEする。
func (w *Worker) RunOnce(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(w.Retention.Seconds()))

	result, err := w.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE created_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		w.logger.Error("冪等レコードのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", w.Retention),
		)
		return fmt.Errorf("冪等レコードのクリーンアップに失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		w.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	w.metrics.RecordIdempotencyKeysPurged(deletedCount)

	duration := time.Since(start)
	w.logger.Info("冪等レコードのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", w.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

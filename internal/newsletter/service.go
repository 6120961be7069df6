// Package newsletter はニュースレター公開コマンドのドメインロジックを提供する。
// 冪等ストアで実行権を直列化し、号の作成と配信キューへのファンアウトを
// 1つのトランザクションで行う。
package newsletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/newsman/internal/idempotency"
	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/repository"
)

// PublishForm は公開コマンドの入力を表す。
type PublishForm struct {
	Title          string `json:"title"`
	TextContent    string `json:"text_content"`
	HTMLContent    string `json:"html_content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// publishResponse は公開コマンドの成功応答ボディ。
// キャッシュ応答との一致比較があるため、フィールド順を変えないこと。
type publishResponse struct {
	IssueID string `json:"issue_id"`
	Message string `json:"message"`
}

// Service はニュースレター公開のサービス層。
type Service struct {
	idemRepo  repository.IdempotencyRepository
	nlRepo    repository.NewsletterRepository
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
// HTML本文のサニタイズにはUGCポリシーを使用する。
func NewService(
	idemRepo repository.IdempotencyRepository,
	nlRepo repository.NewsletterRepository,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		idemRepo:  idemRepo,
		nlRepo:    nlRepo,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
		metrics:   collector,
	}
}

// Publish はニュースレター公開コマンドの唯一のエントリポイント。
//
// 同一(userID, 冪等キー)のコマンド本体はコミットに至る実行が高々1回に
// 制限される。重複呼び出しは先行実行の確定を待ち、同一のキャッシュ応答を
// バイト単位でそのまま受け取る。
//
// 検証エラーはトランザクション開始前に返り、冪等スロットを消費しない。
// トランザクション内のエラーは全体をロールバックし、スロットは再試行可能に戻る。
func (s *Service) Publish(ctx context.Context, userID string, form PublishForm) (*model.StoredResponse, error) {
	key, err := s.validate(form)
	if err != nil {
		s.metrics.RecordPublishResult(metrics.PublishResultInvalid)
		return nil, err
	}

	action, err := s.idemRepo.TryProcessing(ctx, userID, key)
	if err != nil {
		s.metrics.RecordPublishResult(metrics.PublishResultError)
		return nil, fmt.Errorf("冪等レコードの獲得に失敗しました: %w", err)
	}

	// 完了済み実行のキャッシュ応答を再生する
	if action.Saved != nil {
		s.metrics.RecordPublishResult(metrics.PublishResultReplayed)
		s.logger.Info("公開コマンドのキャッシュ応答を再生します",
			slog.String("user_id", userID),
			slog.String("idempotency_key", key.String()),
		)
		return action.Saved, nil
	}

	// 実行権を獲得した。ここからSaveResponseのコミットまでが1トランザクション。
	outcome, err := s.executeBody(ctx, action.Tx, userID, key, form)
	if err != nil {
		action.Tx.Rollback()
		s.metrics.RecordPublishResult(metrics.PublishResultError)
		return nil, err
	}

	s.metrics.RecordPublishResult(metrics.PublishResultAccepted)
	return outcome, nil
}

// executeBody は公開コマンドの本体を実行する。
// 号の作成、配信タスクのファンアウト、応答のキャッシュをすべてtx内で行い、
// SaveResponseがコミットする。エラー時のロールバックは呼び出し元が行う。
func (s *Service) executeBody(ctx context.Context, tx repository.Tx, userID string, key idempotency.Key, form PublishForm) (*model.StoredResponse, error) {
	issue := &model.NewsletterIssue{
		ID:          uuid.NewString(),
		Title:       form.Title,
		TextContent: form.TextContent,
		HTMLContent: s.sanitizer.Sanitize(form.HTMLContent),
		PublishedAt: time.Now().UTC(),
	}

	if err := s.nlRepo.InsertIssue(ctx, tx, issue); err != nil {
		return nil, fmt.Errorf("ニュースレター号の作成に失敗しました: %w", err)
	}

	enqueued, err := s.nlRepo.EnqueueDeliveryTasks(ctx, tx, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("配信タスクのファンアウトに失敗しました: %w", err)
	}

	outcome, err := buildOutcome(issue.ID)
	if err != nil {
		return nil, err
	}

	if err := s.idemRepo.SaveResponse(ctx, tx, userID, key, outcome); err != nil {
		return nil, fmt.Errorf("応答の保存に失敗しました: %w", err)
	}

	s.logger.Info("ニュースレター号を受理しました",
		slog.String("user_id", userID),
		slog.String("newsletter_issue_id", issue.ID),
		slog.Int64("enqueued_tasks", enqueued),
	)

	return outcome, nil
}

// validate は公開コマンドの入力を検証する。
// 検証はトランザクション開始前に完結し、副作用を持たない。
func (s *Service) validate(form PublishForm) (idempotency.Key, error) {
	if strings.TrimSpace(form.Title) == "" {
		return idempotency.Key{}, model.NewInvalidNewsletterError("タイトルは空にできません")
	}
	if strings.TrimSpace(form.TextContent) == "" {
		return idempotency.Key{}, model.NewInvalidNewsletterError("テキスト本文は空にできません")
	}
	if strings.TrimSpace(form.HTMLContent) == "" {
		return idempotency.Key{}, model.NewInvalidNewsletterError("HTML本文は空にできません")
	}

	return idempotency.NewKey(form.IdempotencyKey)
}

// buildOutcome はキャッシュ対象のHTTP応答を構築する。
func buildOutcome(issueID string) (*model.StoredResponse, error) {
	body, err := json.Marshal(publishResponse{
		IssueID: issueID,
		Message: "ニュースレター号を受理しました。配信は順次行われます。",
	})
	if err != nil {
		return nil, fmt.Errorf("応答ボディの構築に失敗しました: %w", err)
	}

	return &model.StoredResponse{
		StatusCode: 200,
		Headers: map[string][]string{
			"Content-Type": {"application/json"},
		},
		Body: body,
	}, nil
}

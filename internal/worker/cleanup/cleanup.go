// Package cleanup は期限切れ予約トークンの削除ジョブを提供する。
// 期限切れから保持期間（デフォルト30日）を超過したトークンを削除する。
// 予約レコードはトークンを参照しないため、削除しても予約履歴は残る。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TokenPurger は期限切れトークンの削除を抽象化するインターフェース。
type TokenPurger interface {
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した予約トークンの削除ジョブ。
// 日次実行を想定しており、削除対象がない場合もエラーにしない。
type CleanupJob struct {
	tokens        TokenPurger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 期限切れトークンの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(tokens TokenPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		tokens:        tokens,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Run は期限切れからRetentionDays日以上経過したトークンを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.tokens.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("予約トークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("予約トークンのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("予約トークンのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

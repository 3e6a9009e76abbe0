package notify

import (
	"context"
	"log"
)

// Notifier は通知ポート。at-least-once 前提で、重複は許容する。
// 送れなかった場合はエラーを返し、呼び出し側でログに残す（黙殺しない）。
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LogNotifier はTelegram未設定時のフォールバック。標準ログに流すだけ。
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, text string) error {
	log.Printf("[INFO] notify: %s", text)
	return nil
}

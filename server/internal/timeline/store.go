package timeline

import (
	"context"

	"hanchat/server/internal/model"
)

type Store interface {
	// Append 写入 timeline 并返回本次写入的 seq；同一 session 的 seq 单调递增。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// List 返回该 session 的全量事件，用于回放。
	List(ctx context.Context, sessionID string) ([]model.Event, error)
	// Subscribe 订阅该 session 之后写入的事件；cancel 之后通道关闭。
	Subscribe(sessionID string) (events <-chan model.Event, cancel func())
	// Drop 丢弃该 session 的全部事件并关闭其订阅。
	Drop(sessionID string)
}

// Package session 维护存活会话的注册表。
package session

import (
	"context"

	"hanchat/server/internal/orchestrator"
)

type Store interface {
	Get(ctx context.Context, id string) (*orchestrator.Session, error)
	Save(ctx context.Context, s *orchestrator.Session) error
	// Delete 移除并关闭会话。
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

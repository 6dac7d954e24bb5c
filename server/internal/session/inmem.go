package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"hanchat/server/internal/orchestrator"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的会话注册表。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*orchestrator.Session
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据；会话持有协程与订阅，本身也无法序列化。
	return &InMemoryStore{data: make(map[string]*orchestrator.Session)}
}

// Get 根据 ID 获取会话。
func (s *InMemoryStore) Get(_ context.Context, id string) (*orchestrator.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Save 注册会话；同 ID 的旧会话会被关闭。
func (s *InMemoryStore) Save(_ context.Context, sess *orchestrator.Session) error {
	s.mu.Lock()
	old, ok := s.data[sess.ID()]
	s.data[sess.ID()] = sess
	s.mu.Unlock()

	if ok && old != sess {
		old.Close()
	}
	return nil
}

// Delete 移除并关闭会话。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.data[id]
	delete(s.data, id)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	sess.Close()
	return nil
}

// List 返回按字典序排列的会话 ID。
func (s *InMemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CloseAll 关闭并移除全部会话，用于优雅退出。
func (s *InMemoryStore) CloseAll() {
	s.mu.Lock()
	all := s.data
	s.data = make(map[string]*orchestrator.Session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
}

package timeline

import (
	"context"
	"sync"

	"hanchat/server/internal/model"
)

// subscriberBuffer 订阅通道容量；消费过慢的订阅者会丢事件而不是阻塞写入方。
const subscriberBuffer = 64

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]model.Event
	seq    map[string]int64
	subs   map[string]map[int]chan model.Event
	nextID int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events: make(map[string][]model.Event),
		seq:    make(map[string]int64),
		subs:   make(map[string]map[int]chan model.Event),
	}
}

// Append 追加事件到 timeline，并为该 session 分配单调递增 seq，随后推送给订阅者。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	s.events[sessionID] = append(s.events[sessionID], eventCopy)

	for _, ch := range s.subs[sessionID] {
		select {
		case ch <- eventCopy:
		default:
		}
	}

	return seq, nil
}

// List 返回某个 session 的全部 timeline 事件（按 seq 顺序）。
// 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	out := make([]model.Event, len(events))
	copy(out, events)
	return out, nil
}

// Subscribe 订阅某个 session 的新事件。
func (s *InMemoryStore) Subscribe(sessionID string) (<-chan model.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan model.Event, subscriberBuffer)
	id := s.nextID
	s.nextID++
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]chan model.Event)
	}
	s.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[sessionID][id]; ok {
				delete(s.subs[sessionID], id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Drop 丢弃某个 session 的事件并关闭全部订阅。
func (s *InMemoryStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs[sessionID] {
		delete(s.subs[sessionID], id)
		close(ch)
	}
	delete(s.subs, sessionID)
	delete(s.events, sessionID)
	delete(s.seq, sessionID)
}

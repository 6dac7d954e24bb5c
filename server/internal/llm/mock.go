package llm

import (
	"context"
	"sync"
)

// MockClient 用于测试的 Mock LLM 客户端。
// Responder 非空时按请求内容生成回复，否则依次返回 Responses。
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Responder func(messages []Message, schema *JSONSchema) (string, error)
	Err       error

	calls []MockCall
}

// MockCall 记录一次调用。
type MockCall struct {
	Messages []Message
	Schema   *JSONSchema
}

// Complete 模拟 LLM Complete 方法
func (m *MockClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Messages: append([]Message(nil), messages...), Schema: schema})

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	if m.Responder != nil {
		return m.Responder(messages, schema)
	}
	if len(m.Responses) == 0 {
		return "", ErrEmptyContent
	}
	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return resp, nil
}

// Calls 返回全部调用记录的副本。
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

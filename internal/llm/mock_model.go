package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockResponse 定义了 MockChatModel 的单次预期响应
type MockResponse struct {
	Content string
	Error   error
}

// MockChatModel 按顺序返回预设响应的 model.BaseChatModel，供测试与离线演示使用
type MockChatModel struct {
	mu        sync.Mutex
	responses []MockResponse
	index     int
	repeat    bool
	calls     [][]*schema.Message
	respond   func(messages []*schema.Message) MockResponse
}

var _ model.BaseChatModel = (*MockChatModel)(nil)

// NewMockChatModel 每次调用都返回同一响应
func NewMockChatModel(content string, err error) *MockChatModel {
	return &MockChatModel{responses: []MockResponse{{Content: content, Error: err}}, repeat: true}
}

// NewMockChatModelSequential 依次返回 responses，用尽后返回错误
func NewMockChatModelSequential(responses ...MockResponse) *MockChatModel {
	return &MockChatModel{responses: responses}
}

// NewMockChatModelFunc 根据输入消息动态生成响应，适合并发测试
func NewMockChatModelFunc(fn func(messages []*schema.Message) MockResponse) *MockChatModel {
	return &MockChatModel{respond: fn}
}

// Generate 模拟 LLM 的 Generate 方法
func (m *MockChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	received := make([]*schema.Message, len(input))
	copy(received, input)
	m.calls = append(m.calls, received)

	var resp MockResponse
	switch {
	case m.respond != nil:
		m.mu.Unlock()
		resp = m.respond(received)
		m.mu.Lock()
	case m.repeat && len(m.responses) > 0:
		resp = m.responses[0]
	case m.index < len(m.responses):
		resp = m.responses[m.index]
		m.index++
	default:
		resp = MockResponse{Error: errors.New("mock model has run out of sequential responses")}
	}
	m.mu.Unlock()

	if resp.Error != nil {
		return nil, resp.Error
	}
	return schema.AssistantMessage(resp.Content, nil), nil
}

// Stream 以单个分片返回 Generate 的结果
func (m *MockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// Calls 返回每次调用收到的消息
func (m *MockChatModel) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*schema.Message, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

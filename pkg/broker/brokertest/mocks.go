// Package brokertest provides testify mocks of the broker capability set.
package brokertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

var (
	_ broker.Client   = (*MockClient)(nil)
	_ broker.Sender   = (*MockSender)(nil)
	_ broker.Receiver = (*MockReceiver)(nil)
)

// MockClient is a mock implementation of broker.Client for testing
type MockClient struct {
	mock.Mock
}

func (m *MockClient) NewSender(entity string) (broker.Sender, error) {
	args := m.Called(entity)
	s, _ := args.Get(0).(broker.Sender)
	return s, args.Error(1)
}

func (m *MockClient) NewReceiver(queue string) (broker.Receiver, error) {
	args := m.Called(queue)
	r, _ := args.Get(0).(broker.Receiver)
	return r, args.Error(1)
}

func (m *MockClient) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockSender is a mock implementation of broker.Sender for testing
type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendBatch(ctx context.Context, msgs []*broker.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *MockSender) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockReceiver is a mock implementation of broker.Receiver for testing
type MockReceiver struct {
	mock.Mock
}

func (m *MockReceiver) Receive(ctx context.Context, maxMessages int) ([]*broker.ReceivedMessage, error) {
	args := m.Called(ctx, maxMessages)
	msgs, _ := args.Get(0).([]*broker.ReceivedMessage)
	return msgs, args.Error(1)
}

func (m *MockReceiver) Complete(ctx context.Context, msg *broker.ReceivedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockReceiver) Abandon(ctx context.Context, msg *broker.ReceivedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockReceiver) RenewLock(ctx context.Context, msg *broker.ReceivedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockReceiver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

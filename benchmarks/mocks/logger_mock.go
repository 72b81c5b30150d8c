package mocks

import (
	"context"
	"sync/atomic"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// MockLogger implements domain.Logger and only counts calls, keeping log I/O out of the numbers.
type MockLogger struct {
	DebugCount int64
	InfoCount  int64
	WarnCount  int64
	ErrorCount int64
}

// NewMockLogger creates a new mock logger
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// Debug implements domain.Logger
func (m *MockLogger) Debug(ctx context.Context, msg string, fields ...any) {
	atomic.AddInt64(&m.DebugCount, 1)
}

// Info implements domain.Logger
func (m *MockLogger) Info(ctx context.Context, msg string, fields ...any) {
	atomic.AddInt64(&m.InfoCount, 1)
}

// Warn implements domain.Logger
func (m *MockLogger) Warn(ctx context.Context, msg string, fields ...any) {
	atomic.AddInt64(&m.WarnCount, 1)
}

// Error implements domain.Logger
func (m *MockLogger) Error(ctx context.Context, msg string, fields ...any) {
	atomic.AddInt64(&m.ErrorCount, 1)
}

// Fatal implements domain.Logger without exiting.
func (m *MockLogger) Fatal(ctx context.Context, msg string, fields ...any) {
	atomic.AddInt64(&m.ErrorCount, 1)
}

// With implements domain.Logger
func (m *MockLogger) With(fields ...any) domain.Logger {
	return m
}

package mocks

import (
	"context"

	"kidstel-story-agent/internal/ai"

	"github.com/stretchr/testify/mock"
)

// MockTextEngine is a mock type for the ai.TextEngine type
type MockTextEngine struct {
	mock.Mock
}

// Complete provides a mock function with given fields: ctx, req
func (_m *MockTextEngine) Complete(ctx context.Context, req ai.CompletionRequest) (string, error) {
	ret := _m.Called(ctx, req)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, ai.CompletionRequest) string); ok {
		r0 = rf(ctx, req)
	} else {
		r0 = ret.String(0)
	}
	return r0, ret.Error(1)
}

// NewMockTextEngine creates a new instance of MockTextEngine and registers the testing interface.
func NewMockTextEngine(t interface {
	mock.TestingT
	Helper()
}) *MockTextEngine {
	m := &MockTextEngine{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

// MockImageEngine is a mock type for the ai.ImageEngine type
type MockImageEngine struct {
	mock.Mock
}

// GenerateImage provides a mock function with given fields: ctx, req
func (_m *MockImageEngine) GenerateImage(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	ret := _m.Called(ctx, req)
	res, _ := ret.Get(0).(*ai.ImageResult)
	return res, ret.Error(1)
}

// NewMockImageEngine creates a new instance of MockImageEngine and registers the testing interface.
func NewMockImageEngine(t interface {
	mock.TestingT
	Helper()
}) *MockImageEngine {
	m := &MockImageEngine{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var (
	_ ai.TextEngine  = (*MockTextEngine)(nil)
	_ ai.ImageEngine = (*MockImageEngine)(nil)
)

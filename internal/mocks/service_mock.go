package mocks

import (
	"context"

	"kidstel-story-agent/internal/service"

	"github.com/stretchr/testify/mock"
)

// MockStoryService is a mock type for the service.StoryService type
type MockStoryService struct {
	mock.Mock
}

// Create provides a mock function with given fields: ctx, in
func (_m *MockStoryService) Create(ctx context.Context, in *service.Inbound) (*service.Outcome, error) {
	ret := _m.MethodCalled("Create", ctx, in)
	out, _ := ret.Get(0).(*service.Outcome)
	return out, ret.Error(1)
}

// Continue provides a mock function with given fields: ctx, in
func (_m *MockStoryService) Continue(ctx context.Context, in *service.Inbound) (*service.Outcome, error) {
	ret := _m.MethodCalled("Continue", ctx, in)
	out, _ := ret.Get(0).(*service.Outcome)
	return out, ret.Error(1)
}

// Illustrate provides a mock function with given fields: ctx, in
func (_m *MockStoryService) Illustrate(ctx context.Context, in *service.Inbound) (*service.Outcome, error) {
	ret := _m.MethodCalled("Illustrate", ctx, in)
	out, _ := ret.Get(0).(*service.Outcome)
	return out, ret.Error(1)
}

// NewMockStoryService creates a new instance of MockStoryService and registers the testing interface.
func NewMockStoryService(t interface {
	mock.TestingT
	Helper()
}) *MockStoryService {
	m := &MockStoryService{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ service.StoryService = (*MockStoryService)(nil)

package mocks

import (
	"context"

	"kidstel-story-agent/internal/auth"

	"github.com/stretchr/testify/mock"
)

// MockIDTokenVerifier is a mock type for the auth.IDTokenVerifier type
type MockIDTokenVerifier struct {
	mock.Mock
}

// VerifyIDToken provides a mock function with given fields: ctx, token
func (_m *MockIDTokenVerifier) VerifyIDToken(ctx context.Context, token string) (string, error) {
	ret := _m.Called(ctx, token)
	return ret.String(0), ret.Error(1)
}

// NewMockIDTokenVerifier creates a new instance of MockIDTokenVerifier and registers the testing interface.
func NewMockIDTokenVerifier(t interface {
	mock.TestingT
	Helper()
}) *MockIDTokenVerifier {
	m := &MockIDTokenVerifier{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

// MockAppCheckVerifier is a mock type for the auth.AppCheckVerifier type
type MockAppCheckVerifier struct {
	mock.Mock
}

// VerifyAppCheck provides a mock function with given fields: ctx, token
func (_m *MockAppCheckVerifier) VerifyAppCheck(ctx context.Context, token string) error {
	ret := _m.Called(ctx, token)
	return ret.Error(0)
}

// NewMockAppCheckVerifier creates a new instance of MockAppCheckVerifier and registers the testing interface.
func NewMockAppCheckVerifier(t interface {
	mock.TestingT
	Helper()
}) *MockAppCheckVerifier {
	m := &MockAppCheckVerifier{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var (
	_ auth.IDTokenVerifier  = (*MockIDTokenVerifier)(nil)
	_ auth.AppCheckVerifier = (*MockAppCheckVerifier)(nil)
)

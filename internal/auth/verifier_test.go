package auth_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"kidstel-story-agent/internal/auth"
	"kidstel-story-agent/internal/mocks"
	"kidstel-story-agent/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireAppError(t *testing.T, err error, status int, code string) {
	t.Helper()
	appErr, ok := models.AsAppError(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, status, appErr.Status)
	assert.Equal(t, code, appErr.Code)
}

func TestVerify_AuthRequired(t *testing.T) {
	ids := mocks.NewMockIDTokenVerifier(t)
	ac := mocks.NewMockAppCheckVerifier(t)
	v := auth.NewVerifier(ids, ac, auth.Options{AuthRequired: true, AppCheckRequired: true}, zap.NewNop())
	ctx := context.Background()

	_, err := v.Verify(ctx, auth.Credentials{})
	requireAppError(t, err, http.StatusUnauthorized, models.ErrCodeAuthMissing)

	_, err = v.Verify(ctx, auth.Credentials{Authorization: "Basic abc"})
	requireAppError(t, err, http.StatusUnauthorized, models.ErrCodeAuthMissing)

	ids.On("VerifyIDToken", mock.Anything, "bad").Return("", errors.New("expired")).Once()
	_, err = v.Verify(ctx, auth.Credentials{Authorization: "Bearer bad", AppCheck: "ac"})
	requireAppError(t, err, http.StatusUnauthorized, models.ErrCodeAuthInvalid)

	ids.On("VerifyIDToken", mock.Anything, "good").Return("user-1", nil)
	_, err = v.Verify(ctx, auth.Credentials{Authorization: "bearer good"})
	requireAppError(t, err, http.StatusForbidden, models.ErrCodeAppCheckMissing)

	ac.On("VerifyAppCheck", mock.Anything, "forged").Return(errors.New("bad signature")).Once()
	_, err = v.Verify(ctx, auth.Credentials{Authorization: "Bearer good", AppCheck: "forged"})
	requireAppError(t, err, http.StatusForbidden, models.ErrCodeAppCheckInvalid)

	ac.On("VerifyAppCheck", mock.Anything, "ac").Return(nil)
	id, err := v.Verify(ctx, auth.Credentials{Authorization: "Bearer good", AppCheck: " ac "})
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UID)
	assert.False(t, id.Anonymous)
	assert.True(t, id.AppVerified)

	ids.AssertExpectations(t)
	ac.AssertExpectations(t)
}

func TestVerify_DevClientRejectedWhenAuthRequired(t *testing.T) {
	v := auth.NewVerifier(nil, nil, auth.Options{AuthRequired: true}, zap.NewNop())
	_, err := v.Verify(context.Background(), auth.Credentials{DevClientID: "tester_01"})
	requireAppError(t, err, http.StatusUnauthorized, models.ErrCodeDevClientRejected)
}

func TestVerify_AnonymousIdentities(t *testing.T) {
	v := auth.NewVerifier(nil, nil, auth.Options{}, zap.NewNop())
	ctx := context.Background()

	a, err := v.Verify(ctx, auth.Credentials{})
	require.NoError(t, err)
	b, err := v.Verify(ctx, auth.Credentials{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.UID, "anon_"))
	assert.True(t, a.Anonymous)
	assert.NotEqual(t, a.UID, b.UID)

	d1, err := v.Verify(ctx, auth.Credentials{DevClientID: "pixel-7_dev"})
	require.NoError(t, err)
	d2, err := v.Verify(ctx, auth.Credentials{DevClientID: "pixel-7_dev"})
	require.NoError(t, err)
	assert.Equal(t, "dev_pixel-7_dev", d1.UID)
	assert.Equal(t, d1.UID, d2.UID)

	for _, bad := range []string{"ab", "has space", "semi;colon", strings.Repeat("x", 65)} {
		_, err := v.Verify(ctx, auth.Credentials{DevClientID: bad})
		requireAppError(t, err, http.StatusUnauthorized, models.ErrCodeAuthInvalid)
	}
}

func TestVerify_OptionalAppCheckStillVerifiedWhenSent(t *testing.T) {
	ac := mocks.NewMockAppCheckVerifier(t)
	ac.On("VerifyAppCheck", mock.Anything, "tok").Return(errors.New("bad")).Once()
	v := auth.NewVerifier(nil, ac, auth.Options{}, zap.NewNop())

	_, err := v.Verify(context.Background(), auth.Credentials{AppCheck: "tok"})
	requireAppError(t, err, http.StatusForbidden, models.ErrCodeAppCheckInvalid)
}

func signHS256(t *testing.T, secret string, claims jwt.RegisteredClaims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTVerifier(t *testing.T) {
	_, err := auth.NewJWTVerifier("")
	require.Error(t, err)

	v, err := auth.NewJWTVerifier("s3cret")
	require.NoError(t, err)
	ctx := context.Background()
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	uid, err := v.VerifyIDToken(ctx, signHS256(t, "s3cret", jwt.RegisteredClaims{Subject: "u42", ExpiresAt: exp}, jwt.SigningMethodHS256))
	require.NoError(t, err)
	assert.Equal(t, "u42", uid)

	_, err = v.VerifyIDToken(ctx, signHS256(t, "other", jwt.RegisteredClaims{Subject: "u42", ExpiresAt: exp}, jwt.SigningMethodHS256))
	assert.Error(t, err)

	_, err = v.VerifyIDToken(ctx, signHS256(t, "s3cret", jwt.RegisteredClaims{ExpiresAt: exp}, jwt.SigningMethodHS256))
	assert.Error(t, err)

	expired := jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.VerifyIDToken(ctx, signHS256(t, "s3cret", jwt.RegisteredClaims{Subject: "u42", ExpiresAt: expired}, jwt.SigningMethodHS256))
	assert.Error(t, err)

	_, err = v.VerifyIDToken(ctx, signHS256(t, "s3cret", jwt.RegisteredClaims{Subject: "u42"}, jwt.SigningMethodHS256))
	assert.Error(t, err, "exp is required")
}

func TestIssueToken_RoundTrip(t *testing.T) {
	token, err := auth.IssueToken("s3cret", " u7 ", time.Hour, time.Now())
	require.NoError(t, err)

	v, err := auth.NewJWTVerifier("s3cret")
	require.NoError(t, err)
	uid, err := v.VerifyIDToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u7", uid)

	_, err = auth.IssueToken("", "u7", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = auth.IssueToken("s3cret", "  ", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = auth.IssueToken("s3cret", "u7", 0, time.Now())
	assert.Error(t, err)

	old, err := auth.IssueToken("s3cret", "u7", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = v.VerifyIDToken(context.Background(), old)
	assert.Error(t, err)
}

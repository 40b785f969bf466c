package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParse_EmptyDocumentFailsClosed(t *testing.T) {
	for _, in := range []string{"", "   ", "null", "{}"} {
		p, err := Parse([]byte(in))
		require.NoError(t, err, in)
		assert.False(t, p.EnableStoryGeneration)
		assert.False(t, p.EnableIllustrations)
		assert.Equal(t, []string{DefaultModel}, p.ModelAllowlist)
		assert.Equal(t, 64, p.MaxBodyKB)
		assert.Equal(t, 40, p.DailyStoryLimit)
		assert.NotEmpty(t, p.Version)
	}
}

func TestParse_Overrides(t *testing.T) {
	p, err := Parse([]byte(`{
		"version": "2024-06-01",
		"enable_story_generation": true,
		"model_allowlist": ["gemini-2.0-flash", "gemini-1.5-pro", "gemini-2.5-flash"],
		"temperature": 0.3,
		"daily_story_limit": 5,
		"max_body_kb": 8
	}`))
	require.NoError(t, err)
	assert.True(t, p.EnableStoryGeneration)
	assert.Equal(t, "2024-06-01", p.Version)
	assert.Equal(t, []string{"gemini-2.0-flash", DefaultModel}, p.ModelAllowlist)
	assert.InDelta(t, 0.3, p.Temperature, 1e-9)
	assert.Equal(t, 5, p.DailyStoryLimit)
	assert.Equal(t, 8*1024, p.MaxBodyBytes())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   `{"enable_story_generation": true, "surprise": 1}`,
		"wrong type":      `{"enable_story_generation": "yes"}`,
		"below range":     `{"max_body_kb": 4}`,
		"above range":     `{"uid_rate_per_min": 301}`,
		"not integer":     `{"daily_story_limit": 2.5}`,
		"temperature":     `{"temperature": 1.5}`,
		"empty allowlist": `{"model_allowlist": []}`,
		"blank model":     `{"model_allowlist": ["  "]}`,
		"malformed":       `{"enable_story_generation": tru`,
		"trailing":        `{} {}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestParse_FingerprintIsStable(t *testing.T) {
	a, err := Parse([]byte(`{"enable_story_generation": true}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"enable_story_generation": true}`))
	require.NoError(t, err)
	c, err := Parse([]byte(`{"enable_story_generation": false}`))
	require.NoError(t, err)

	assert.Equal(t, a.Version, b.Version)
	assert.NotEqual(t, a.Version, c.Version)
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, DefaultModel, NormalizeModel("gemini-1.5-flash"))
	assert.Equal(t, DefaultModel, NormalizeModel("models/gemini-1.0-pro"))
	assert.Equal(t, DefaultModel, NormalizeModel("gemini-pro"))
	assert.Equal(t, "gemini-2.0-flash-001", NormalizeModel(" gemini-2.0-flash-001 "))
}

func TestPreferredModel(t *testing.T) {
	p := &RuntimePolicy{ModelAllowlist: []string{"gemini-2.0-flash", "gemini-2.5-flash"}}
	assert.Equal(t, "gemini-2.5-flash", p.PreferredModel("gemini-2.5-flash"))
	assert.Equal(t, "gemini-2.0-flash", p.PreferredModel("gemini-ultra"))
	assert.Equal(t, DefaultModel, (&RuntimePolicy{}).PreferredModel("x"))
}

type countingSource struct {
	calls int
	data  []byte
	err   error
}

func (s *countingSource) Name() string { return "test" }

func (s *countingSource) Load(context.Context) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

func TestLoader_CachesWithinTTL(t *testing.T) {
	src := &countingSource{data: []byte(`{"enable_story_generation": true}`)}
	now := time.Unix(1_700_000_000, 0)
	l := NewLoader(src, time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })

	p1, err := l.GetPolicy(context.Background())
	require.NoError(t, err)
	p2, err := l.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, p1, p2)

	// копия не должна менять кэш
	p1.ModelAllowlist[0] = "mutated"
	p3, _ := l.GetPolicy(context.Background())
	assert.Equal(t, DefaultModel, p3.ModelAllowlist[0])

	now = now.Add(61 * time.Second)
	_, err = l.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestLoader_ErrorInvalidatesCache(t *testing.T) {
	src := &countingSource{data: []byte(`{"enable_story_generation": true}`)}
	now := time.Unix(1_700_000_000, 0)
	l := NewLoader(src, time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })

	_, err := l.GetPolicy(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	src.err = errors.New("firestore down")
	_, err = l.GetPolicy(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)

	// без кэша следующая попытка снова идет в источник
	src.err = nil
	src.data = []byte(`{"bad": true}`)
	_, err = l.GetPolicy(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, src.calls)
}

func TestStaticSource(t *testing.T) {
	l := NewLoader(StaticSource{JSON: "  "}, 0, zap.NewNop())
	p, err := l.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.False(t, p.EnableStoryGeneration)

	l = NewLoader(StaticSource{JSON: "{not json"}, 0, zap.NewNop())
	_, err = l.GetPolicy(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

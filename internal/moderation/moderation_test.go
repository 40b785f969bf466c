package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordModerator(t *testing.T) {
	m := NewKeywordModerator()

	cases := []struct {
		text    string
		allowed bool
		reason  string
	}{
		{"A bunny finds a lost star", true, ""},
		{"the hero has a gun", false, "violence"},
		{"The GUN was shiny", false, "violence"},
		{"a shotgun wedding", true, ""},
		{"he wanted to kill  myself", false, "self-harm"},
		{"drug store", false, "drugs"},
		{"a nude painting", false, "sexual content"},
		{"nazi symbols", false, "hate/extremism"},
		{"Котик ищет звезду", true, ""},
	}
	for _, tc := range cases {
		res := m.Moderate(tc.text, 1200)
		assert.Equal(t, tc.allowed, res.Allowed, tc.text)
		assert.Equal(t, tc.reason, res.Reason, tc.text)
	}
}

func TestKeywordModerator_LengthCountsRunes(t *testing.T) {
	m := NewKeywordModerator()

	// 10 кириллических символов = 20 байт
	text := strings.Repeat("ж", 10)
	assert.True(t, m.Moderate(text, 10).Allowed)

	res := m.Moderate(text+"ж", 10)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonTooLong, res.Reason)
}

func TestKeywordModerator_TooLongWinsOverKeywords(t *testing.T) {
	res := NewKeywordModerator().Moderate("gun gun gun", 3)
	assert.Equal(t, ReasonTooLong, res.Reason)
}

func TestCombinedInputs(t *testing.T) {
	assert.Equal(t,
		`{"idea":"a kind dragon","hero":"Ani","location":"","storyType":"fairy"}`,
		CombinedCreateInput("a kind dragon", "Ani", "", "fairy"))

	assert.Equal(t,
		`{"choice":{},"hero":"","location":"forest","storyType":""}`,
		CombinedContinueInput(nil, "", "forest", ""))

	assert.Equal(t, "Title\nBody", CombinedOutput("Title", "Body"))

	res := NewKeywordModerator().Moderate(
		CombinedContinueInput(map[string]interface{}{"label": "grab the knife"}, "", "", ""), 1200)
	assert.Equal(t, "violence", res.Reason)
}

package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDraft_StripsFences(t *testing.T) {
	raw := "```json\n{\"title\":\" Hi \",\"text\":\"Story\",\"progress\":0.5}\n```"
	d, err := ParseDraft(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hi", d.Title)
	require.NotNil(t, d.Progress)
	assert.InDelta(t, 0.5, *d.Progress, 1e-9)

	d, err = ParseDraft("```\n{\"title\":\"\",\"text\":\"Story\"}```")
	require.NoError(t, err)
	assert.Nil(t, d.Progress)
}

func TestParseDraft_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `Once upon a time`,
		"unknown field":   `{"title":"a","text":"b","mood":"happy"}`,
		"missing text":    `{"title":"a"}`,
		"blank text":      `{"title":"a","text":"   "}`,
		"missing title":   `{"text":"b"}`,
		"progress range":  `{"title":"a","text":"b","progress":1.5}`,
		"chapter index":   `{"title":"a","text":"b","chapterIndex":1.5}`,
		"too many":        `{"title":"a","text":"b","choices":[{"id":"1","label":"a"},{"id":"2","label":"b"},{"id":"3","label":"c"},{"id":"4","label":"d"}]}`,
		"empty label":     `{"title":"a","text":"b","choices":[{"id":"1","label":" "}]}`,
		"wrong type":      `{"title":5,"text":"b"}`,
		"image extra key": `{"title":"a","text":"b","image":{"enabled":true,"width":3}}`,
		"long title":      `{"title":"` + strings.Repeat("t", 141) + `","text":"b"}`,
		"trailing":        `{"title":"a","text":"b"} {}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDraft(raw)
			assert.ErrorIs(t, err, ErrBadUpstreamResponse)
		})
	}
}

func TestParseDraft_NullImageAccepted(t *testing.T) {
	_, err := ParseDraft(`{"title":"a","text":"b","image":null,"choices":[]}`)
	assert.NoError(t, err)
}

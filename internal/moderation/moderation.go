// Package moderation - детерминированная проверка текстов до и после генерации.
package moderation

import (
	"regexp"
	"unicode/utf8"
)

// ReasonTooLong - причина блокировки для текста длиннее лимита.
const ReasonTooLong = "input too long"

// Result - итог проверки. Reason заполнен только при Allowed=false.
type Result struct {
	Allowed bool
	Reason  string
}

// Moderator проверяет текст с учетом лимита длины в символах.
type Moderator interface {
	Moderate(text string, maxChars int) Result
}

type rule struct {
	re     *regexp.Regexp
	reason string
}

// Правила консервативные, порядок важен: возвращается первая сработавшая причина.
var defaultRules = []rule{
	{regexp.MustCompile(`(?i)\b(sex|porn|nude|naked|erotic)\b`), "sexual content"},
	{regexp.MustCompile(`(?i)\b(suicide|kill\s+myself|self-harm|cut\s+myself)\b`), "self-harm"},
	{regexp.MustCompile(`(?i)\b(drugs?|cocaine|heroin|meth|weed|marijuana)\b`), "drugs"},
	{regexp.MustCompile(`(?i)\b(gun|knife|stab|shoot|blood|gore)\b`), "violence"},
	{regexp.MustCompile(`(?i)\b(hate\s+speech|nazi|kkk)\b`), "hate/extremism"},
}

// KeywordModerator - словарная модерация.
type KeywordModerator struct {
	rules []rule
}

func NewKeywordModerator() *KeywordModerator {
	return &KeywordModerator{rules: defaultRules}
}

func (m *KeywordModerator) Moderate(text string, maxChars int) Result {
	if utf8.RuneCountInString(text) > maxChars {
		moderationDecisions.WithLabelValues("too_long").Inc()
		return Result{Allowed: false, Reason: ReasonTooLong}
	}
	for _, r := range m.rules {
		if r.re.MatchString(text) {
			moderationDecisions.WithLabelValues("blocked").Inc()
			return Result{Allowed: false, Reason: r.reason}
		}
	}
	moderationDecisions.WithLabelValues("allowed").Inc()
	return Result{Allowed: true}
}

// KidsPolicySystem - системная инструкция для текстовой модели.
const KidsPolicySystem = `
You are KidsTel, a children's interactive story generator.

Hard rules (must ALWAYS be satisfied):
- Audience: children (ages 3-12).
- No explicit violence, gore, weapons, torture, threats.
- No sexual content.
- No self-harm.
- No drugs or alcohol.
- No hate or discrimination.
- No scary horror themes; keep gentle and reassuring.
- No instructions for wrongdoing.
- Use simple, kind, encouraging language.

Output format MUST be valid JSON and MUST match the provided schema.
`

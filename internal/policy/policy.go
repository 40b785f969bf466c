package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/google/uuid"
)

// DefaultModel - модель последнего шанса и замена для устаревших идентификаторов.
const DefaultModel = "gemini-2.5-flash"

// RuntimePolicy - документ admin_policy/runtime после разбора.
// Значения по умолчанию fail-closed: генерация выключена.
type RuntimePolicy struct {
	Version               string   `json:"version"`
	EnableStoryGeneration bool     `json:"enable_story_generation"`
	EnableIllustrations   bool     `json:"enable_illustrations"`
	ModelAllowlist        []string `json:"model_allowlist"`
	MaxOutputTokens       int      `json:"max_output_tokens"`
	Temperature           float64  `json:"temperature"`
	MaxInputChars         int      `json:"max_input_chars"`
	MaxOutputChars        int      `json:"max_output_chars"`
	DailyStoryLimit       int      `json:"daily_story_limit"`
	IPRatePerMin          int      `json:"ip_rate_per_min"`
	UIDRatePerMin         int      `json:"uid_rate_per_min"`
	MaxBodyKB             int      `json:"max_body_kb"`
	RequestTimeoutMs      int      `json:"request_timeout_ms"`
}

// MaxBodyBytes - лимит тела запроса в байтах.
func (p *RuntimePolicy) MaxBodyBytes() int {
	return p.MaxBodyKB * 1024
}

// Clone возвращает независимую копию.
func (p *RuntimePolicy) Clone() *RuntimePolicy {
	cp := *p
	cp.ModelAllowlist = append([]string(nil), p.ModelAllowlist...)
	return &cp
}

// rawPolicy различает отсутствующее поле и нулевое значение.
type rawPolicy struct {
	Version               *string  `json:"version"`
	EnableStoryGeneration *bool    `json:"enable_story_generation"`
	EnableIllustrations   *bool    `json:"enable_illustrations"`
	ModelAllowlist        []string `json:"model_allowlist"`
	MaxOutputTokens       *float64 `json:"max_output_tokens"`
	Temperature           *float64 `json:"temperature"`
	MaxInputChars         *float64 `json:"max_input_chars"`
	MaxOutputChars        *float64 `json:"max_output_chars"`
	DailyStoryLimit       *float64 `json:"daily_story_limit"`
	IPRatePerMin          *float64 `json:"ip_rate_per_min"`
	UIDRatePerMin         *float64 `json:"uid_rate_per_min"`
	MaxBodyKB             *float64 `json:"max_body_kb"`
	RequestTimeoutMs      *float64 `json:"request_timeout_ms"`
}

// Defaults - политика при пустом документе.
func Defaults() *RuntimePolicy {
	return &RuntimePolicy{
		EnableStoryGeneration: false,
		EnableIllustrations:   false,
		ModelAllowlist:        []string{"gemini-1.5-flash"},
		MaxOutputTokens:       1200,
		Temperature:           0.7,
		MaxInputChars:         1200,
		MaxOutputChars:        12000,
		DailyStoryLimit:       40,
		IPRatePerMin:          120,
		UIDRatePerMin:         60,
		MaxBodyKB:             64,
		RequestTimeoutMs:      25000,
	}
}

// Parse строго разбирает JSON политики: неизвестные поля запрещены, числа
// проверяются по диапазонам, устаревшие модели заменяются. Пустой ввод дает Defaults().
func Parse(data []byte) (*RuntimePolicy, error) {
	p := Defaults()
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return finalize(p)
	}

	var raw rawPolicy
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("policy decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("policy decode: trailing data after document")
	}

	var errs []error
	if raw.Version != nil {
		p.Version = strings.TrimSpace(*raw.Version)
	}
	if raw.EnableStoryGeneration != nil {
		p.EnableStoryGeneration = *raw.EnableStoryGeneration
	}
	if raw.EnableIllustrations != nil {
		p.EnableIllustrations = *raw.EnableIllustrations
	}
	if raw.ModelAllowlist != nil {
		if len(raw.ModelAllowlist) == 0 {
			errs = append(errs, errors.New("model_allowlist must not be empty"))
		}
		for i, m := range raw.ModelAllowlist {
			if strings.TrimSpace(m) == "" {
				errs = append(errs, fmt.Errorf("model_allowlist[%d] is empty", i))
			}
		}
		p.ModelAllowlist = raw.ModelAllowlist
	}

	intField(&errs, "max_output_tokens", raw.MaxOutputTokens, 64, 4096, &p.MaxOutputTokens)
	intField(&errs, "max_input_chars", raw.MaxInputChars, 200, 5000, &p.MaxInputChars)
	intField(&errs, "max_output_chars", raw.MaxOutputChars, 500, 30000, &p.MaxOutputChars)
	intField(&errs, "daily_story_limit", raw.DailyStoryLimit, 1, 500, &p.DailyStoryLimit)
	intField(&errs, "ip_rate_per_min", raw.IPRatePerMin, 1, 600, &p.IPRatePerMin)
	intField(&errs, "uid_rate_per_min", raw.UIDRatePerMin, 1, 300, &p.UIDRatePerMin)
	intField(&errs, "max_body_kb", raw.MaxBodyKB, 8, 256, &p.MaxBodyKB)
	intField(&errs, "request_timeout_ms", raw.RequestTimeoutMs, 1000, 60000, &p.RequestTimeoutMs)

	if raw.Temperature != nil {
		t := *raw.Temperature
		if t < 0 || t > 1.2 {
			errs = append(errs, fmt.Errorf("temperature %v out of range [0, 1.2]", t))
		} else {
			p.Temperature = t
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("policy validation: %w", err)
	}
	return finalize(p)
}

func intField(errs *[]error, name string, v *float64, min, max int, dst *int) {
	if v == nil {
		return
	}
	f := *v
	if f != math.Trunc(f) {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %v", name, f))
		return
	}
	if f < float64(min) || f > float64(max) {
		*errs = append(*errs, fmt.Errorf("%s %v out of range [%d, %d]", name, f, min, max))
		return
	}
	*dst = int(f)
}

func finalize(p *RuntimePolicy) (*RuntimePolicy, error) {
	p.ModelAllowlist = NormalizeAllowlist(p.ModelAllowlist)
	if p.Version == "" {
		p.Version = fingerprint(p)
	}
	return p, nil
}

// fingerprint - стабильная версия для политики без явного поля version.
func fingerprint(p *RuntimePolicy) string {
	canonical, err := json.Marshal(p)
	if err != nil {
		return "unversioned"
	}
	return "fp-" + uuid.NewSHA1(uuid.NameSpaceOID, canonical).String()[:8]
}

// NormalizeModel заменяет снятые с поддержки модели на DefaultModel.
func NormalizeModel(model string) string {
	m := strings.TrimSpace(model)
	m = strings.TrimPrefix(m, "models/")
	lower := strings.ToLower(m)
	switch {
	case lower == "gemini-pro", lower == "gemini-pro-vision":
		return DefaultModel
	case strings.HasPrefix(lower, "gemini-1.0-"), strings.HasPrefix(lower, "gemini-1.5-"):
		return DefaultModel
	}
	return m
}

// NormalizeAllowlist нормализует модели и убирает дубликаты, сохраняя порядок.
func NormalizeAllowlist(models []string) []string {
	out := make([]string, 0, len(models))
	seen := make(map[string]struct{}, len(models))
	for _, m := range models {
		n := NormalizeModel(m)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// PreferredModel - configured, если она есть в allowlist, иначе первая из allowlist.
func (p *RuntimePolicy) PreferredModel(configured string) string {
	want := NormalizeModel(configured)
	for _, m := range p.ModelAllowlist {
		if m == want {
			return m
		}
	}
	if len(p.ModelAllowlist) > 0 {
		return p.ModelAllowlist[0]
	}
	return DefaultModel
}

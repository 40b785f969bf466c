package ai

import "strings"

const (
	DefaultImageSize  = "768x768"
	DefaultImageStyle = "simple 2D children's book illustration, clean lines, flat shading, minimal background, soft pastel colors, no complex textures, no photorealism, single subject, centered composition"
	defaultAgeRange   = "for kids aged 3–7"
)

// ImagePrompt - собранный промпт и производные параметры.
type ImagePrompt struct {
	SystemPrompt string
	Size         string
	AspectRatio  string
	Style        string
	AgeRange     string
}

// AspectRatioForSize: 1280x720 дает 16:9, все остальное 1:1.
func AspectRatioForSize(size string) string {
	if size == "1280x720" {
		return "16:9"
	}
	return "1:1"
}

func ageRange(ageGroup string) string {
	switch strings.TrimSpace(ageGroup) {
	case "3_5":
		return "for kids aged 3–5"
	case "6_8":
		return "for kids aged 6–8"
	case "9_12":
		return "for kids aged 9–12"
	}
	return defaultAgeRange
}

// BuildImageSystemPrompt - общие правила стиля и безопасности для иллюстраций.
func BuildImageSystemPrompt(lang, ageGroup, size, style string) ImagePrompt {
	if size == "" {
		size = DefaultImageSize
	}
	style = strings.TrimSpace(style)
	if style == "" {
		style = DefaultImageStyle
	}
	aspect := AspectRatioForSize(size)
	ages := ageRange(ageGroup)

	lines := []string{
		"You are generating a kid-friendly 2D illustration for a children's story.",
		"Target age: " + ages + ".",
		"Language/locale: " + lang + ".",
		"Image size: " + size + ". Aspect ratio: " + aspect + ".",
		"Style: " + style + ".",
		"No photorealism. No camera/photography terms. No realistic skin texture.",
		"Simple shapes, soft colors, clean outlines, gentle lighting, minimal background.",
		"Warm, friendly mood. Non-scary, calm and reassuring.",
		"Single subject, centered composition, one clear scene. No text overlay.",
		"Safety: no violence, no horror, no weapons, no hateful symbols.",
	}
	return ImagePrompt{
		SystemPrompt: strings.Join(lines, "\n"),
		Size:         size,
		AspectRatio:  aspect,
		Style:        style,
		AgeRange:     ages,
	}
}

// FullPrompt - системная часть и описание сцены от клиента.
func (p ImagePrompt) FullPrompt(scene string) string {
	return p.SystemPrompt + "\n\nScene: " + strings.TrimSpace(scene)
}

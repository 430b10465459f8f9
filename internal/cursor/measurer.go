package cursor

import (
	"strings"
	"unicode"
)

// Font carries the text metrics of the target input element.
type Font struct {
	Family        string
	SizePx        float64
	Weight        string
	LetterSpacing float64
	LineHeightPx  float64
}

// LineHeight returns the effective line height, defaulting to 1.2em when
// the box declares none.
func (f Font) LineHeight() float64 {
	if f.LineHeightPx > 0 {
		return f.LineHeightPx
	}
	return f.SizePx * 1.2
}

// Measurer reports how text lays out in the target element's font. The
// projector depends only on this interface so a precise, platform-backed
// measurer can replace the built-in approximation.
type Measurer interface {
	// LineWidth returns the pixel width of text rendered on a single
	// line with no wrapping.
	LineWidth(text string, font Font) float64
	// LineCount returns the number of visual lines text occupies when
	// wrapped at wrapWidth pixels. Implementations may ignore wrapWidth
	// and count hard breaks only.
	LineCount(text string, font Font, wrapWidth float64) int
}

// RuleMeasurer approximates glyph advances by character class. It counts
// hard line breaks only; soft wrap is not modeled, which matches the
// projection's stated approximation for inputs whose lines fit their box.
type RuleMeasurer struct{}

// NewRuleMeasurer returns the built-in approximate measurer.
func NewRuleMeasurer() *RuleMeasurer {
	return &RuleMeasurer{}
}

// LineWidth sums per-rune advances plus letter spacing.
func (m *RuleMeasurer) LineWidth(text string, font Font) float64 {
	if text == "" {
		return 0
	}
	var width float64
	var runeCount int
	for _, r := range text {
		width += advanceRatio(r) * font.SizePx
		runeCount++
	}
	if runeCount > 1 {
		width += float64(runeCount-1) * font.LetterSpacing
	}
	return width
}

// LineCount counts hard-break segments; wrapWidth is ignored.
func (m *RuleMeasurer) LineCount(text string, _ Font, _ float64) int {
	return strings.Count(text, "\n") + 1
}

// advanceRatio maps a rune to an approximate advance as a fraction of the
// font size. Tuned for common proportional UI fonts.
func advanceRatio(r rune) float64 {
	switch {
	case r == ' ':
		return 0.33
	case r == '\t':
		return 1.32
	case strings.ContainsRune("iIl.,:;'|!`", r):
		return 0.3
	case strings.ContainsRune("mwMW@", r):
		return 0.85
	case r >= '0' && r <= '9':
		return 0.6
	case unicode.IsUpper(r):
		return 0.72
	case r > unicode.MaxASCII && unicode.Is(unicode.Han, r):
		return 1.0
	default:
		return 0.55
	}
}

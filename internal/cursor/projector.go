package cursor

import "strings"

// caretNudgePx pushes the indicator slightly below the padded edge so it
// does not overlap the glyph above.
const caretNudgePx = 2

// Box carries the bounding rectangle, scroll offsets and font metrics of
// the input element a remote cursor is projected into. All values are in
// pixels relative to the viewport.
type Box struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64

	PaddingTop  float64
	PaddingLeft float64
	BorderTop   float64
	BorderLeft  float64

	ScrollTop  float64
	ScrollLeft float64

	Font Font
}

// contentWidth is the horizontal space available to text, used as the wrap
// width when a wrap-aware measurer is installed.
func (b Box) contentWidth() float64 {
	width := b.Width - 2*b.PaddingLeft - 2*b.BorderLeft
	if width < 0 {
		return 0
	}
	return width
}

// Point is a projected caret position in viewport pixels.
type Point struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// Projector maps a logical text offset to pixel coordinates inside a box.
// It is pure: identical inputs always produce identical output.
type Projector struct {
	measurer Measurer
}

// NewProjector constructs a projector. A nil measurer selects the built-in
// approximation.
func NewProjector(measurer Measurer) *Projector {
	if measurer == nil {
		measurer = NewRuleMeasurer()
	}
	return &Projector{measurer: measurer}
}

// Project returns the on-screen position of the caret sitting at
// cursorOffset (in runes) within text, rendered inside box. The result is
// clamped so a caret scrolled out of view never renders outside the box.
func (p *Projector) Project(text string, cursorOffset int, box Box) Point {
	if text == "" {
		return clampToBox(Point{
			Top:  box.Top + box.PaddingTop + caretNudgePx - box.ScrollTop,
			Left: box.Left + box.PaddingLeft - box.ScrollLeft,
		}, box)
	}

	runes := []rune(text)
	if cursorOffset < 0 {
		cursorOffset = 0
	}
	if cursorOffset > len(runes) {
		cursorOffset = len(runes)
	}
	prefix := string(runes[:cursorOffset])

	lineIndex := p.measurer.LineCount(prefix, box.Font, box.contentWidth()) - 1
	if lineIndex < 0 {
		lineIndex = 0
	}

	currentLine := prefix
	if cut := strings.LastIndexByte(prefix, '\n'); cut >= 0 {
		currentLine = prefix[cut+1:]
	}
	lineOffset := p.measurer.LineWidth(currentLine, box.Font)

	lineHeight := box.Font.LineHeight()
	point := Point{
		Top:  box.Top + box.PaddingTop + float64(lineIndex)*lineHeight + caretNudgePx - box.ScrollTop,
		Left: box.Left + box.PaddingLeft + lineOffset - box.ScrollLeft,
	}
	return clampToBox(point, box)
}

// clampToBox keeps the caret inside the scrolled viewport of the box: the
// vertical range leaves room for one line of indicator height.
func clampToBox(point Point, box Box) Point {
	lineHeight := box.Font.LineHeight()

	minTop := box.Top - box.ScrollTop
	maxTop := box.Top + box.Height - box.ScrollTop - lineHeight
	if maxTop < minTop {
		maxTop = minTop
	}
	if point.Top < minTop {
		point.Top = minTop
	}
	if point.Top > maxTop {
		point.Top = maxTop
	}

	minLeft := box.Left - box.ScrollLeft
	maxLeft := box.Left + box.Width - box.ScrollLeft
	if point.Left < minLeft {
		point.Left = minLeft
	}
	if point.Left > maxLeft {
		point.Left = maxLeft
	}
	return point
}

package cursor

import (
	"testing"
)

func testBox() Box {
	return Box{
		Top:         100,
		Left:        50,
		Width:       400,
		Height:      200,
		PaddingTop:  8,
		PaddingLeft: 12,
		Font: Font{
			Family:       "sans-serif",
			SizePx:       16,
			LineHeightPx: 20,
		},
	}
}

func TestProjectEmptyTextReturnsPaddedCorner(t *testing.T) {
	box := testBox()
	box.ScrollTop = 5
	box.ScrollLeft = 3
	projector := NewProjector(nil)

	point := projector.Project("", 0, box)

	expectedTop := box.Top + box.PaddingTop + 2 - box.ScrollTop
	expectedLeft := box.Left + box.PaddingLeft - box.ScrollLeft
	if point.Top != expectedTop {
		t.Fatalf("expected top %v, got %v", expectedTop, point.Top)
	}
	if point.Left != expectedLeft {
		t.Fatalf("expected left %v, got %v", expectedLeft, point.Left)
	}
}

func TestProjectPlacesCaretOnSecondVisualLine(t *testing.T) {
	box := testBox()
	measurer := NewRuleMeasurer()
	projector := NewProjector(measurer)

	point := projector.Project("ab\ncd", 4, box)

	expectedTop := box.Top + box.PaddingTop + 1*box.Font.LineHeightPx + 2
	if point.Top != expectedTop {
		t.Fatalf("expected caret on line index 1 at top %v, got %v", expectedTop, point.Top)
	}
	expectedLeft := box.Left + box.PaddingLeft + measurer.LineWidth("c", box.Font)
	if point.Left != expectedLeft {
		t.Fatalf("expected left %v, got %v", expectedLeft, point.Left)
	}
}

func TestProjectMeasuresOnlyTextBeforeCaretOnItsLine(t *testing.T) {
	box := testBox()
	measurer := NewRuleMeasurer()
	projector := NewProjector(measurer)

	point := projector.Project("ab\ncd", 5, box)

	expectedLeft := box.Left + box.PaddingLeft + measurer.LineWidth("cd", box.Font)
	if point.Left != expectedLeft {
		t.Fatalf("expected left %v, got %v", expectedLeft, point.Left)
	}
}

func TestProjectOffsetAtHardBreakStaysOnFirstLine(t *testing.T) {
	box := testBox()
	projector := NewProjector(nil)

	point := projector.Project("ab\ncd", 2, box)

	expectedTop := box.Top + box.PaddingTop + 2
	if point.Top != expectedTop {
		t.Fatalf("expected caret on line index 0 at top %v, got %v", expectedTop, point.Top)
	}
}

func TestProjectClampsVerticallyWithinScrolledViewport(t *testing.T) {
	box := testBox()
	box.Height = 40
	projector := NewProjector(nil)

	// Ten hard breaks put the raw position far below the 40px box.
	point := projector.Project("a\nb\nc\nd\ne\nf\ng\nh\ni\nj\nk", 21, box)

	maxTop := box.Top + box.Height - box.ScrollTop - box.Font.LineHeightPx
	if point.Top != maxTop {
		t.Fatalf("expected top clamped to %v, got %v", maxTop, point.Top)
	}

	box.ScrollTop = 500
	point = projector.Project("ab", 1, box)
	minTop := box.Top - box.ScrollTop
	if point.Top != minTop {
		t.Fatalf("expected top clamped to %v, got %v", minTop, point.Top)
	}
}

func TestProjectClampsHorizontallyWithinBox(t *testing.T) {
	box := testBox()
	box.Width = 30
	projector := NewProjector(nil)

	point := projector.Project("a very long single line of text well past the box", 50, box)

	maxLeft := box.Left + box.Width - box.ScrollLeft
	if point.Left != maxLeft {
		t.Fatalf("expected left clamped to %v, got %v", maxLeft, point.Left)
	}
}

func TestProjectAdjustsForScrollOffsets(t *testing.T) {
	box := testBox()
	box.ScrollTop = 20
	box.ScrollLeft = 4
	measurer := NewRuleMeasurer()
	projector := NewProjector(measurer)

	point := projector.Project("ab\ncd\nef", 7, box)

	expectedTop := box.Top + box.PaddingTop + 2*box.Font.LineHeightPx + 2 - box.ScrollTop
	if point.Top != expectedTop {
		t.Fatalf("expected top %v, got %v", expectedTop, point.Top)
	}
	expectedLeft := box.Left + box.PaddingLeft + measurer.LineWidth("e", box.Font) - box.ScrollLeft
	if point.Left != expectedLeft {
		t.Fatalf("expected left %v, got %v", expectedLeft, point.Left)
	}
}

func TestProjectClampsOffsetIntoTextBounds(t *testing.T) {
	box := testBox()
	projector := NewProjector(nil)

	beyond := projector.Project("ab", 99, box)
	atEnd := projector.Project("ab", 2, box)
	if beyond != atEnd {
		t.Fatalf("expected out-of-range offset to clamp to end, got %#v vs %#v", beyond, atEnd)
	}

	negative := projector.Project("ab", -3, box)
	atStart := projector.Project("ab", 0, box)
	if negative != atStart {
		t.Fatalf("expected negative offset to clamp to start, got %#v vs %#v", negative, atStart)
	}
}

func TestRuleMeasurerLineWidthGrowsWithText(t *testing.T) {
	measurer := NewRuleMeasurer()
	font := Font{SizePx: 16}

	if width := measurer.LineWidth("", font); width != 0 {
		t.Fatalf("expected zero width for empty text, got %v", width)
	}
	short := measurer.LineWidth("ab", font)
	long := measurer.LineWidth("abcd", font)
	if long <= short {
		t.Fatalf("expected width to grow, got %v then %v", short, long)
	}
}

func TestRuleMeasurerAppliesLetterSpacing(t *testing.T) {
	measurer := NewRuleMeasurer()
	plain := Font{SizePx: 16}
	spaced := Font{SizePx: 16, LetterSpacing: 2}

	difference := measurer.LineWidth("abcd", spaced) - measurer.LineWidth("abcd", plain)
	if difference != 6 {
		t.Fatalf("expected 3 gaps of 2px, got difference %v", difference)
	}
}

func TestRuleMeasurerCountsHardBreaksOnly(t *testing.T) {
	measurer := NewRuleMeasurer()
	font := Font{SizePx: 16}

	if count := measurer.LineCount("ab", font, 10); count != 1 {
		t.Fatalf("expected 1 line, got %d", count)
	}
	if count := measurer.LineCount("ab\ncd\n", font, 10); count != 3 {
		t.Fatalf("expected 3 lines, got %d", count)
	}
}

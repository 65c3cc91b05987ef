package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Title     *color.Color
	Label     *color.Color
	Value     *color.Color
	Dim       *color.Color
	Success   *color.Color
	Warn      *color.Color
	Error     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	s := &ColorScheme{
		Title:     color.New(color.FgCyan, color.Bold),
		Label:     color.New(color.FgWhite),
		Value:     color.New(color.FgWhite, color.Bold),
		Dim:       color.New(color.Faint),
		Success:   color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Error:     color.New(color.FgRed),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
	s.set(true)
	return s
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	s := DefaultColorScheme()
	s.set(false)
	return s
}

// set forces colors on or off regardless of color.NoColor, which only
// looks at os.Stdout.
func (s *ColorScheme) set(enabled bool) {
	for _, c := range []*color.Color{s.Title, s.Label, s.Value, s.Dim, s.Success, s.Warn, s.Error, s.Highlight} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// icon returns a check or cross mark.
func (s *ColorScheme) icon(ok bool) string {
	if ok {
		return s.Success.Sprint("✓")
	}
	return s.Error.Sprint("✗")
}

// rateColor picks a color for an error rate.
func (s *ColorScheme) rateColor(rate float64) *color.Color {
	switch {
	case rate == 0:
		return s.Success
	case rate < 0.05:
		return s.Warn
	default:
		return s.Error
	}
}

// Package enums holds presentation preference types for the web UI.
// Values travel in cookies as plain strings, parse failures fall back
// to the default on the caller side.
package enums

import "fmt"

// Theme selects the UI color scheme
type Theme string

// supported themes
const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
	ThemeAuto  Theme = "auto"
)

// ParseTheme converts a cookie value to Theme
func ParseTheme(v string) (Theme, error) {
	switch Theme(v) {
	case ThemeDark:
		return ThemeDark, nil
	case ThemeLight:
		return ThemeLight, nil
	case ThemeAuto:
		return ThemeAuto, nil
	}
	return "", fmt.Errorf("unknown theme %q", v)
}

func (t Theme) String() string { return string(t) }

// Cycle advances to the next theme, dark -> light -> auto -> dark
func (t Theme) Cycle() Theme {
	switch t {
	case ThemeDark:
		return ThemeLight
	case ThemeLight:
		return ThemeAuto
	default:
		return ThemeDark
	}
}

// ViewMode selects how the job list renders
type ViewMode string

// supported view modes
const (
	ViewModeCards ViewMode = "cards"
	ViewModeTable ViewMode = "table"
)

// ParseViewMode converts a cookie value to ViewMode
func ParseViewMode(v string) (ViewMode, error) {
	switch ViewMode(v) {
	case ViewModeCards:
		return ViewModeCards, nil
	case ViewModeTable:
		return ViewModeTable, nil
	}
	return "", fmt.Errorf("unknown view mode %q", v)
}

func (m ViewMode) String() string { return string(m) }

// Cycle flips between cards and table
func (m ViewMode) Cycle() ViewMode {
	if m == ViewModeCards {
		return ViewModeTable
	}
	return ViewModeCards
}

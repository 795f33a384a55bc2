package output

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var (
	commitStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f5c800"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4dca7d"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f46251"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// ColorCommit styles an "oid subject" commit description.
func ColorCommit(text string) string {
	if !colorEnabled {
		return text
	}
	return commitStyle.Render(text)
}

// ColorSuccess styles success text.
func ColorSuccess(text string) string {
	if !colorEnabled {
		return text
	}
	return successStyle.Render(text)
}

// ColorWarn styles warning text.
func ColorWarn(text string) string {
	if !colorEnabled {
		return text
	}
	return warnStyle.Render(text)
}

// ColorDim styles de-emphasized text such as abbreviated hashes.
func ColorDim(text string) string {
	if !colorEnabled {
		return text
	}
	return dimStyle.Render(text)
}

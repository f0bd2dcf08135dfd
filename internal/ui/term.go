package ui

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

const defaultWidth = 80

// IsTTY reports whether f is a terminal. Live progress lines are drawn only
// when stderr is one.
func IsTTY(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// TermWidth returns the column count of f. When the size cannot be read it
// falls back to $COLUMNS, then to 80.
func TermWidth(f *os.File) int {
	if f != nil {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	if w, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}

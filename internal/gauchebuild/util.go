package gauchebuild

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

// styler is satisfied by *color.Theme, color.RGBColor and color.Tag.
type styler interface {
	Sprint(a ...any) string
	Sprintf(format string, a ...any) string
}

// arrowf writes a "-> " prefixed line in the given style.
func arrowf(w io.Writer, s styler, format string, a ...any) {
	fmt.Fprint(w, colArrow.Sprint("-> "))
	if s == nil {
		fmt.Fprintf(w, format, a...)
		return
	}
	fmt.Fprint(w, s.Sprintf(format, a...))
}

// SetDebug toggles debug logging on stderr.
func SetDebug(on bool) {
	if on {
		logger.SetLevel(log.DebugLevel)
		return
	}
	logger.SetLevel(log.InfoLevel)
}

func debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

func debugEnabled() bool {
	return logger.GetLevel() <= log.DebugLevel
}

package gauchebuild

import (
	"embed"
	"errors"
	"os"

	"github.com/charmbracelet/log"
	"github.com/gookit/color"
)

var (
	version   = "dev" // overridden at build time
	buildDate = "unknown"

	//go:embed definitions/*
	builtinDefinitions embed.FS

	// ErrDefinitionNotFound is returned when a definition name resolves to
	// neither a file nor a known definition.
	ErrDefinitionNotFound = errors.New("definition not found")
	// ErrNoHTTPClient is returned when no download tool can be used.
	ErrNoHTTPClient = errors.New("no usable HTTP client")
	// ErrNoDigestCapability is returned in strict mode when an expected
	// checksum has a form no digest implementation recognizes.
	ErrNoDigestCapability = errors.New("no digest capability for checksum")
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

var logger = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "gauche-build",
	Level:  log.InfoLevel,
})

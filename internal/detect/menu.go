// Package detect analyzes a session's normalized output to decide whether
// the process is presenting a numbered menu and waiting for the user to
// pick an option. The result drives the attention indicator shown to
// remote viewers.
//
// Detection is a pure function of (text, idle duration): the menu pattern
// is only evaluated once output has been quiet for a minimum idle window,
// which avoids flagging a menu that is still being printed line by line.
package detect

import (
	"regexp"
	"strings"
	"time"
)

// Config holds the tunable thresholds for menu detection.
type Config struct {
	// IdleWindow is the minimum quiescence period with no new output
	// before the menu pattern is evaluated.
	IdleWindow time.Duration

	// MinOptionLines is the minimum contiguous run of numbered lines
	// required to count as a menu.
	MinOptionLines int
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		IdleWindow:     500 * time.Millisecond,
		MinOptionLines: 2,
	}
}

// optionLinePattern matches a line presenting one numbered choice:
// an integer followed by '.' or ')' and whitespace, then the label.
var optionLinePattern = regexp.MustCompile(`^\d+[.)]\s+\S`)

// tailWindow bounds how much recent text is scanned per evaluation.
const tailWindow = 2000

// MenuDetector evaluates the numbered-menu pattern over normalized output.
// It is stateless and safe for concurrent use; each evaluation depends only
// on its arguments.
type MenuDetector struct {
	config Config
}

// NewMenuDetector creates a detector with the given thresholds.
// Zero values fall back to the defaults.
func NewMenuDetector(cfg Config) *MenuDetector {
	def := DefaultConfig()
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = def.IdleWindow
	}
	if cfg.MinOptionLines <= 0 {
		cfg.MinOptionLines = def.MinOptionLines
	}
	return &MenuDetector{config: cfg}
}

// IdleWindow returns the configured quiescence period. The session uses it
// to schedule re-evaluation after output goes quiet.
func (d *MenuDetector) IdleWindow() time.Duration {
	return d.config.IdleWindow
}

// Detect returns the ordered option labels of a numbered menu in the most
// recent output, and whether one was found.
//
// idleFor is how long the session's output has been quiet. If the idle
// window has not elapsed the text is assumed to still be streaming and no
// menu is reported, regardless of content.
func (d *MenuDetector) Detect(text string, idleFor time.Duration) ([]string, bool) {
	if idleFor < d.config.IdleWindow {
		return nil, false
	}
	if text == "" {
		return nil, false
	}

	// Focus on the tail; a menu the user is being asked about is recent.
	if len(text) > tailWindow {
		text = text[len(text)-tailWindow:]
	}
	text = StripAnsi(text)

	lines := strings.Split(text, "\n")

	// Find the last contiguous run of option lines.
	var run []string
	var best []string
	for _, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if optionLinePattern.MatchString(line) {
			run = append(run, line)
			continue
		}
		if len(run) >= d.config.MinOptionLines {
			best = run
		}
		if line != "" {
			// Non-empty, non-option text interrupts a run; blank lines
			// between the menu and the prompt do not.
			run = nil
		}
	}
	if len(run) >= d.config.MinOptionLines {
		best = run
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

// ansiPattern matches CSI sequences (ESC[...final) and OSC sequences
// (ESC]...BEL). Normalized output still carries SGR color sequences, which
// must not defeat the option-line match.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// StripAnsi removes ANSI escape codes from text.
func StripAnsi(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"pmwflow/internal/store"
)

// tone is the badge shown next to a status line.
type tone int

const (
	toneInfo tone = iota
	toneOK
	toneActive
	tonePaused
	toneWarn
	toneError
)

var toneBadges = map[tone]string{
	toneInfo:   "INFO",
	toneOK:     "OK",
	toneActive: "RUNNING",
	tonePaused: "PAUSED",
	toneWarn:   "WARN",
	toneError:  "ERROR",
}

var toneColors = map[tone]text.Colors{
	toneInfo:   {text.FgBlue},
	toneOK:     {text.FgGreen},
	toneActive: {text.FgCyan},
	tonePaused: {text.FgMagenta, text.Bold},
	toneWarn:   {text.FgYellow},
	toneError:  {text.FgRed, text.Bold},
}

const statusLabelWidth = 20

// runTone maps a run to its badge. A running run without a lease is paused
// for an operator restart.
func runTone(run *store.Run) tone {
	if run.IsPaused() {
		return tonePaused
	}
	switch run.Status {
	case store.RunCompleted:
		return toneOK
	case store.RunFailed:
		return toneError
	case store.RunRunning:
		return toneActive
	default:
		return toneInfo
	}
}

func stageTone(status store.StageStatus) tone {
	switch status {
	case store.StageCompleted:
		return toneOK
	case store.StageRunning:
		return toneActive
	case store.StageRetrying:
		return toneWarn
	case store.StageAwaitingRestart:
		return tonePaused
	case store.StageFailed:
		return toneError
	default:
		return toneInfo
	}
}

// displayLabel turns a status or stage identifier such as "awaiting_restart"
// into "Awaiting Restart".
func displayLabel(value string) string {
	value = strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(value))
	if value == "" {
		return "-"
	}
	return cases.Title(language.English).String(value)
}

func renderStatusLine(label string, t tone, message string, colorize bool) string {
	badge := "[" + toneBadges[t] + "]"
	if message != "" {
		badge += " " + message
	}
	line := fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", badge)
	if colorize {
		return toneColors[t].Sprint(line)
	}
	return line
}

func renderSectionHeader(title string, colorize bool) string {
	title = strings.ToUpper(strings.TrimSpace(title))
	if colorize {
		return text.Colors{text.FgBlue, text.Bold}.Sprint(title)
	}
	return title
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}

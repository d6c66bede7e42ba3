package tts

import (
	"regexp"
	"strings"
)

// Stream identifies which output stream of the engine a line came from.
type Stream int

const (
	// Stdout carries the line protocol.
	Stdout Stream = iota
	// Stderr is only inspected for crash signatures.
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}

	return "stdout"
}

type lineKind int

const (
	lineOther lineKind = iota
	lineBlank
	lineReady
	lineSuccess
	lineError
	lineCrash
)

var (
	readyPattern   = regexp.MustCompile(`^Ready`)
	successPattern = regexp.MustCompile(`^Success`)
	// The engine prints "ERROR: <call> returned code <n>".
	errorPattern = regexp.MustCompile(`^(?i:error)`)
	// Wine reports access violations as "Unhandled page fault on read access to ...".
	crashPattern = regexp.MustCompile(`(?i)unhandled.*page fault`)
)

func classify(line string) lineKind {
	switch {
	case crashPattern.MatchString(line):
		return lineCrash
	case strings.TrimSpace(line) == "":
		return lineBlank
	case readyPattern.MatchString(line):
		return lineReady
	case successPattern.MatchString(line):
		return lineSuccess
	case errorPattern.MatchString(line):
		return lineError
	default:
		return lineOther
	}
}

// Package report is the seam for an external error-tracking collaborator.
// Every caught error goes through a Reporter before being swallowed or
// returned, so swapping in a real SDK is a one-line change in main.
package report

import "github.com/rs/zerolog"

type Reporter interface {
	Capture(err error)
}

// LogReporter writes captured errors to the structured log.
type LogReporter struct {
	Log zerolog.Logger
}

func (r LogReporter) Capture(err error) {
	if err == nil {
		return
	}
	r.Log.Error().Err(err).Msg("captured error")
}

// Nop discards everything; handy default for tests.
type Nop struct{}

func (Nop) Capture(error) {}

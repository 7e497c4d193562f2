// Package events carries typed progress events from the pipeline to a sink
// and pause/resume/cancel control back the other way.
package events

import "errors"

// ErrCancelled is returned by Sink.Check once Cancel has been requested.
var ErrCancelled = errors.New("cancelled by user")

// Event is a progress or log notification emitted by the pipeline.
type Event interface {
	event()
}

// Severity levels for Log events.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

type Log struct {
	Level string
	Msg   string
}

type DatasetStarted struct {
	Index int
	Total int
	Name  string
}

type DatasetSkipped struct {
	Name string
}

type DatasetComplete struct{}

type DownloadStarted struct {
	TotalBytes int64
}

type DownloadProgress struct {
	Bytes int64
	Total int64
}

type DownloadComplete struct {
	Bytes int64
}

// FileProgress reports compressed bytes consumed while a pass streams
// through the local dump.
type FileProgress struct {
	Bytes int64
	Total int64
}

type Pass1Started struct{}

type Pass1Progress struct {
	Scanned uint64
	Valid   uint64
	Players uint64
}

type Pass1Complete struct {
	Scanned           uint64
	Valid             uint64
	QualifyingPlayers uint64
	QualifyingGames   uint64
}

type Pass2Started struct{}

type Pass2Progress struct {
	Extracted uint64
}

type Pass2Complete struct {
	Extracted uint64
}

type PruneStarted struct {
	ToRemove uint64
}

type PruneComplete struct {
	Removed   uint64
	Remaining uint64
}

type Finished struct{}

func (Log) event() {}
func (DatasetStarted) event() {}
func (DatasetSkipped) event() {}
func (DatasetComplete) event() {}
func (DownloadStarted) event() {}
func (DownloadProgress) event() {}
func (DownloadComplete) event() {}
func (FileProgress) event() {}
func (Pass1Started) event() {}
func (Pass1Progress) event() {}
func (Pass1Complete) event() {}
func (Pass2Started) event() {}
func (Pass2Progress) event() {}
func (Pass2Complete) event() {}
func (PruneStarted) event() {}
func (PruneComplete) event() {}
func (Finished) event() {}

// critical events are never dropped by a bounded sink.
func critical(e Event) bool {
	switch v := e.(type) {
	case Finished:
		return true
	case Log:
		return v.Level == LevelError
	}
	return false
}

// Sink receives pipeline events. Send must never block the pipeline.
// Check blocks while paused and returns ErrCancelled after a cancel
// request; the pipeline calls it only at suspension points.
type Sink interface {
	Send(Event)
	Check() error
}

// Discard is a Sink that drops every event. Used for background work whose
// progress should not interleave with the foreground sink.
type Discard struct{}

func (Discard) Send(Event) {}
func (Discard) Check() error { return nil }

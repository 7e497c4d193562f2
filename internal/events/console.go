package events

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ConsoleSink writes formatted progress lines to an io.Writer (normally
// stdout). Byte-level progress events are throttled to one line per second
// so a slow terminal never becomes the bottleneck.
type ConsoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	control *Control
	lastDL  time.Time
	lastFP  time.Time
}

// NewConsoleSink builds a console sink. control may be nil for a run
// without pause/cancel support.
func NewConsoleSink(w io.Writer, control *Control) *ConsoleSink {
	return &ConsoleSink{w: w, control: control}
}

func (s *ConsoleSink) Send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch v := e.(type) {
	case Log:
		fmt.Fprintf(s.w, "  %s\n", v.Msg)

	case DatasetStarted:
		fmt.Fprintf(s.w, "\n=== [%d/%d] %s ===\n", v.Index+1, v.Total, v.Name)
	case DatasetSkipped:
		fmt.Fprintf(s.w, "  Already processed: %s\n", v.Name)
	case DatasetComplete:

	case DownloadStarted:
		if v.TotalBytes > 0 {
			fmt.Fprintf(s.w, "  Downloading (%s)...\n", humanize.IBytes(uint64(v.TotalBytes)))
		} else {
			fmt.Fprintf(s.w, "  Downloading...\n")
		}
	case DownloadProgress:
		if time.Since(s.lastDL) < time.Second {
			return
		}
		s.lastDL = time.Now()
		if v.Total > 0 {
			fmt.Fprintf(s.w, "    DL %s / %s\n",
				humanize.IBytes(uint64(v.Bytes)), humanize.IBytes(uint64(v.Total)))
		} else {
			fmt.Fprintf(s.w, "    DL %s\n", humanize.IBytes(uint64(v.Bytes)))
		}
	case DownloadComplete:
		fmt.Fprintf(s.w, "  Downloaded (%s)\n", humanize.IBytes(uint64(v.Bytes)))

	case FileProgress:
		if time.Since(s.lastFP) < time.Second {
			return
		}
		s.lastFP = time.Now()
		if v.Total > 0 {
			fmt.Fprintf(s.w, "    read %s / %s\n",
				humanize.IBytes(uint64(v.Bytes)), humanize.IBytes(uint64(v.Total)))
		}

	case Pass1Started:
		fmt.Fprintf(s.w, "  Pass 1: counting valid games per player...\n")
	case Pass1Progress:
		fmt.Fprintf(s.w, "    scanned %s games, %s players\n",
			humanize.Comma(int64(v.Scanned)), humanize.Comma(int64(v.Players)))
	case Pass1Complete:
		fmt.Fprintf(s.w, "    %s games scanned, %s valid\n",
			humanize.Comma(int64(v.Scanned)), humanize.Comma(int64(v.Valid)))
		fmt.Fprintf(s.w, "    %s qualifying players, %s games to extract\n",
			humanize.Comma(int64(v.QualifyingPlayers)), humanize.Comma(int64(v.QualifyingGames)))

	case Pass2Started:
		fmt.Fprintf(s.w, "  Pass 2: extracting games...\n")
	case Pass2Progress:
		fmt.Fprintf(s.w, "    extracted %s entries\n", humanize.Comma(int64(v.Extracted)))
	case Pass2Complete:
		fmt.Fprintf(s.w, "    extracted %s total game entries\n", humanize.Comma(int64(v.Extracted)))

	case PruneStarted:
		fmt.Fprintf(s.w, "\n=== Final prune ===\n")
		fmt.Fprintf(s.w, "  removing %s players below threshold...\n", humanize.Comma(int64(v.ToRemove)))
	case PruneComplete:
		fmt.Fprintf(s.w, "  removed %s, %s qualifying players remain\n",
			humanize.Comma(int64(v.Removed)), humanize.Comma(int64(v.Remaining)))

	case Finished:
		fmt.Fprintf(s.w, "\n=== Complete ===\n")
	}
}

func (s *ConsoleSink) Check() error {
	if s.control == nil {
		return nil
	}
	return s.control.Check()
}

// Package pipeline orchestrates the extraction: for each monthly dataset it
// downloads the dump, runs a counting pass and an extraction pass over the
// same compressed file, commits progress to the index and deletes the temp
// file. After the last dataset it prunes players below the cumulative
// threshold. Datasets are strictly sequential; the only concurrency is an
// optional download prefetch of the next dataset.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/pgnvault/internal/config"
	"github.com/freeeve/pgnvault/internal/events"
	"github.com/freeeve/pgnvault/internal/fetch"
	"github.com/freeeve/pgnvault/internal/index"
	"github.com/freeeve/pgnvault/internal/pgn"
	"github.com/freeeve/pgnvault/internal/writer"
)

const (
	progressEvery     = 100_000 // games between progress events
	suspendEvery      = 1 << 19 // games between pause/cancel checks
	fileProgressEvery = 10 << 20
)

// Pipeline drives one configured run.
type Pipeline struct {
	cfg     config.Config
	log     zerolog.Logger
	sink    events.Sink
	idx     *index.Store
	fetcher *fetch.Fetcher
}

// Run executes the whole workflow and returns how many datasets were
// committed during this invocation.
func Run(ctx context.Context, cfg config.Config, sink events.Sink, log zerolog.Logger) (int, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(cfg.PlayersDir(), 0o755); err != nil {
		return 0, err
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	p := &Pipeline{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		idx:     idx,
		fetcher: fetch.New(log),
	}
	return p.run(ctx)
}

func (p *Pipeline) run(ctx context.Context) (int, error) {
	datasets := p.cfg.Datasets()
	committed := 0

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pf *prefetchState
	defer func() {
		if pf != nil {
			cancel()
			_ = pf.g.Wait()
		}
	}()

	for i, ds := range datasets {
		if err := p.suspend(ctx); err != nil {
			return committed, err
		}
		p.sink.Send(events.DatasetStarted{Index: i, Total: len(datasets), Name: ds.ID})

		done, err := p.idx.IsDone(ds.ID)
		if err != nil {
			return committed, fmt.Errorf("index: %w", err)
		}
		if done {
			p.sink.Send(events.DatasetSkipped{Name: ds.ID})
			continue
		}

		if pf != nil && pf.id == ds.ID {
			if err := pf.g.Wait(); err != nil {
				p.log.Warn().Err(err).Str("dataset", ds.ID).Msg("prefetch failed, fetching inline")
			}
			pf = nil
		}
		// Fetch resumes or skips if the prefetch already did the work.
		if err := p.fetcher.Fetch(ctx, ds.URL, ds.TempPath, p.sink); err != nil {
			return committed, err
		}
		if err := p.suspend(ctx); err != nil {
			return committed, err
		}

		if p.cfg.Prefetch && pf == nil {
			pf = p.startPrefetch(ctx, datasets[i+1:])
		}

		if err := p.processDataset(ctx, ds); err != nil {
			return committed, err
		}
		committed++
	}

	if pf != nil {
		_ = pf.g.Wait()
		pf = nil
	}

	if err := p.prune(); err != nil {
		return committed, err
	}
	p.sink.Send(events.Finished{})
	return committed, nil
}

// processDataset runs both passes over a downloaded dump and commits.
func (p *Pipeline) processDataset(ctx context.Context, ds config.Dataset) error {
	p.sink.Send(events.Pass1Started{})
	counts, scanned, valid, err := p.pass1(ctx, ds.TempPath)
	if err != nil {
		return fmt.Errorf("dataset %s pass 1: %w", ds.ID, err)
	}

	qualifying := make(map[string]struct{})
	contributions := make(map[string]int)
	var qualifyingGames uint64
	for name, n := range counts {
		if n >= p.cfg.MinMonthlyGames {
			qualifying[name] = struct{}{}
			contributions[name] = n
			qualifyingGames += uint64(n)
		}
	}
	counts = nil

	p.sink.Send(events.Pass1Complete{
		Scanned:           scanned,
		Valid:             valid,
		QualifyingPlayers: uint64(len(qualifying)),
		QualifyingGames:   qualifyingGames,
	})
	if err := p.suspend(ctx); err != nil {
		return err
	}

	if len(qualifying) > 0 {
		p.sink.Send(events.Pass2Started{})
		w, err := writer.New(p.cfg.PlayersDir(), p.cfg.WriteBufferMaxBytes, p.log)
		if err != nil {
			return err
		}
		extracted, err := p.pass2(ctx, ds.TempPath, qualifying, w)
		if err != nil {
			w.Close()
			return fmt.Errorf("dataset %s pass 2: %w", ds.ID, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("dataset %s flush: %w", ds.ID, err)
		}
		p.sink.Send(events.Pass2Complete{Extracted: extracted})
	}

	if err := p.idx.MarkDone(ds.ID, contributions); err != nil {
		return fmt.Errorf("commit dataset %s: %w", ds.ID, err)
	}
	if err := os.Remove(ds.TempPath); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Str("path", ds.TempPath).Msg("temp file cleanup failed")
	}
	p.sink.Send(events.DatasetComplete{})
	p.log.Info().Str("dataset", ds.ID).
		Int("qualifying_players", len(contributions)).
		Msg("dataset committed")
	return nil
}

// pass1 counts valid games per player across the whole dump.
func (p *Pipeline) pass1(ctx context.Context, path string) (map[string]int, uint64, uint64, error) {
	f, dec, err := p.openDump(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	defer dec.Close()

	parser := pgn.NewParser(dec, false, p.log)
	counts := make(map[string]int, 1<<16)
	var scanned, valid uint64

	for {
		rec, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, err
		}
		scanned++
		if scanned%progressEvery == 0 {
			p.sink.Send(events.Pass1Progress{
				Scanned: scanned, Valid: valid, Players: uint64(len(counts)),
			})
		}
		if scanned%suspendEvery == 0 {
			if err := p.suspend(ctx); err != nil {
				return nil, 0, 0, err
			}
		}

		if !p.valid(rec) {
			continue
		}
		valid++
		counts[rec.Tags["White"]]++
		counts[rec.Tags["Black"]]++
	}

	p.sink.Send(events.Pass1Progress{
		Scanned: scanned, Valid: valid, Players: uint64(len(counts)),
	})
	return counts, scanned, valid, nil
}

// pass2 re-reads the dump and appends each valid game's raw bytes to every
// qualifying player that took part (both files when both players qualify).
func (p *Pipeline) pass2(ctx context.Context, path string, qualifying map[string]struct{}, w *writer.Writer) (uint64, error) {
	f, dec, err := p.openDump(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	defer dec.Close()

	parser := pgn.NewParser(dec, true, p.log)
	var scanned, extracted uint64

	for {
		rec, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		scanned++
		if scanned%suspendEvery == 0 {
			if err := p.suspend(ctx); err != nil {
				return 0, err
			}
		}

		if !p.valid(rec) {
			continue
		}
		white := rec.Tags["White"]
		black := rec.Tags["Black"]
		if _, ok := qualifying[white]; ok {
			if err := w.Append(white, rec.Raw); err != nil {
				return 0, err
			}
			extracted++
		}
		if _, ok := qualifying[black]; ok && black != white {
			if err := w.Append(black, rec.Raw); err != nil {
				return 0, err
			}
			extracted++
		}
		if extracted > 0 && extracted%progressEvery == 0 {
			p.sink.Send(events.Pass2Progress{Extracted: extracted})
		}
	}
	return extracted, nil
}

// prune deletes per-player files and index rows below the cumulative
// threshold. Safe to re-run.
func (p *Pipeline) prune() error {
	toRemove, err := p.idx.PlayersBelow(p.cfg.MinTotalGames)
	if err != nil {
		return fmt.Errorf("prune query: %w", err)
	}
	p.sink.Send(events.PruneStarted{ToRemove: uint64(len(toRemove))})

	for _, name := range toRemove {
		if err := writer.Remove(p.cfg.PlayersDir(), name); err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
	}
	removed, err := p.idx.RemovePlayersBelow(p.cfg.MinTotalGames)
	if err != nil {
		return fmt.Errorf("prune index: %w", err)
	}
	if err := writer.RemoveEmptyShards(p.cfg.PlayersDir()); err != nil {
		return err
	}
	remaining, err := p.idx.CountPlayersAtLeast(p.cfg.MinTotalGames)
	if err != nil {
		return err
	}
	p.sink.Send(events.PruneComplete{
		Removed: uint64(removed), Remaining: uint64(remaining),
	})
	return nil
}

// valid applies the run's predicates to one record.
func (p *Pipeline) valid(rec *pgn.Record) bool {
	if rec.Tags["Event"] != p.cfg.EventFilter {
		return false
	}
	if tc := p.cfg.TimeControlFilter; tc != "" && rec.Tags["TimeControl"] != tc {
		return false
	}
	if rec.FullMoves < p.cfg.MinFullMoves {
		return false
	}
	if rec.Tags["White"] == "" || rec.Tags["Black"] == "" {
		return false
	}
	return true
}

// suspend is the pipeline's suspension point: observes context
// cancellation, then pause/cancel from the sink.
func (p *Pipeline) suspend(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return p.sink.Check()
}

// openDump opens a downloaded dump for streaming. The zstd reader
// concatenates the dump's frames transparently; compressed-byte progress is
// reported through the sink.
func (p *Pipeline) openDump(path string) (*os.File, *zstd.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	pr := &progressReader{r: f, total: fi.Size(), sink: p.sink}
	dec, err := zstd.NewReader(pr, zstd.WithDecoderConcurrency(0))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, dec, nil
}

// progressReader reports compressed bytes consumed at a bounded rate.
type progressReader struct {
	r     io.Reader
	sink  events.Sink
	read  int64
	total int64
	last  int64
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	pr.read += int64(n)
	if pr.read-pr.last >= fileProgressEvery {
		pr.sink.Send(events.FileProgress{Bytes: pr.read, Total: pr.total})
		pr.last = pr.read
	}
	return n, err
}

// prefetchState tracks a background download of an upcoming dataset.
type prefetchState struct {
	id string
	g  *errgroup.Group
}

// startPrefetch begins downloading the next dataset that is not yet done.
// Its progress events are discarded so they never interleave with the
// current dataset's passes.
func (p *Pipeline) startPrefetch(ctx context.Context, rest []config.Dataset) *prefetchState {
	for _, ds := range rest {
		done, err := p.idx.IsDone(ds.ID)
		if err != nil {
			return nil
		}
		if done {
			continue
		}
		st := &prefetchState{id: ds.ID, g: new(errgroup.Group)}
		ds := ds
		st.g.Go(func() error {
			return p.fetcher.Fetch(ctx, ds.URL, ds.TempPath, events.Discard{})
		})
		p.log.Info().Str("dataset", ds.ID).Msg("prefetching next dataset")
		return st
	}
	return nil
}

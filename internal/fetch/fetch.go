// Package fetch downloads dataset dumps to local temp files. Downloads are
// staged in a .part file, resumed with an HTTP Range request when the
// server supports it, and renamed into place once complete, so a re-run
// either skips the finished file or continues where it stopped.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/freeeve/pgnvault/internal/events"
)

// Fetcher downloads files over plain HTTP GET.
type Fetcher struct {
	client     *http.Client
	log        zerolog.Logger
	maxRetries uint64
}

// New builds a Fetcher. The client timeout covers dial and headers only;
// body streaming of multi-hour downloads must not be bounded.
func New(log zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 60 * time.Second,
				Proxy:                 http.ProxyFromEnvironment,
			},
		},
		log:        log,
		maxRetries: 5,
	}
}

const (
	copyBufSize      = 64 * 1024
	progressInterval = 1 << 20  // report every 1 MiB
	checkInterval    = 10 << 20 // poll pause/cancel every 10 MiB
)

// Fetch ensures dest contains the complete body at url. An existing
// non-empty dest is taken as already downloaded.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string, sink events.Sink) error {
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		sink.Send(events.Log{Level: events.LevelInfo, Msg: "already downloaded: " + filepath.Base(dest)})
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	sink.Send(events.Log{Level: events.LevelInfo, Msg: "downloading " + url})

	part := dest + ".part"
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)

	err := backoff.RetryNotify(
		func() error { return f.attempt(ctx, url, part, sink) },
		policy,
		func(err error, wait time.Duration) {
			f.log.Warn().Err(err).Dur("retry_in", wait).Str("url", url).Msg("download failed, retrying")
		},
	)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return nil
}

// attempt performs one download try, resuming from the current .part size.
func (f *Fetcher) attempt(ctx context.Context, url, part string, sink events.Sink) error {
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the range; restart from zero.
		flags |= os.O_TRUNC
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		// .part already holds the full body.
		return nil
	default:
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	total := int64(0)
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	sink.Send(events.DownloadStarted{TotalBytes: total})

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer out.Close()

	buf := make([]byte, copyBufSize)
	downloaded := offset
	lastReport := downloaded
	lastCheck := downloaded

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return backoff.Permanent(werr)
			}
			downloaded += int64(n)
			if downloaded-lastReport >= progressInterval {
				sink.Send(events.DownloadProgress{Bytes: downloaded, Total: total})
				lastReport = downloaded
			}
			if downloaded-lastCheck >= checkInterval {
				if err := sink.Check(); err != nil {
					return backoff.Permanent(err)
				}
				lastCheck = downloaded
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return rerr
		}
	}

	if err := out.Sync(); err != nil {
		return backoff.Permanent(err)
	}
	sink.Send(events.DownloadComplete{Bytes: downloaded})
	return nil
}

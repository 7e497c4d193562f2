// Package writer maintains the sharded per-player archive. Game text is
// buffered in memory per player and flushed as independently decodable zstd
// frames appended to <dir>/<shard>/<Name>.pgn.zst. Appending a frame never
// rewrites earlier bytes, so the archive survives interrupted runs.
package writer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Writer buffers raw game bytes per player up to a global ceiling and
// flushes every buffer as one zstd frame per player. Single-writer: one
// Writer serves one extraction pass.
type Writer struct {
	dir  string
	log  zerolog.Logger
	enc  *zstd.Encoder
	buf  map[string][]byte
	size int64
	max  int64
}

// DefaultMaxBuffer is the accumulator ceiling used when max <= 0.
const DefaultMaxBuffer = 2 << 30

// New creates a writer rooted at dir (the players directory).
func New(dir string, max int64, log zerolog.Logger) (*Writer, error) {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &Writer{
		dir: dir,
		log: log,
		enc: enc,
		buf: make(map[string][]byte),
		max: max,
	}, nil
}

// Append buffers one game for a player. The raw bytes are followed by a
// blank line so the decoded file is a well-formed game sequence. Triggers a
// global flush first when the ceiling would be exceeded.
func (w *Writer) Append(player string, raw []byte) error {
	need := int64(len(raw)) + 1
	if w.size > 0 && w.size+need > w.max {
		if err := w.FlushAll(); err != nil {
			return err
		}
	}
	b := w.buf[player]
	b = append(b, raw...)
	b = append(b, '\n')
	w.buf[player] = b
	w.size += need
	return nil
}

// Buffered reports current in-memory residency in bytes.
func (w *Writer) Buffered() int64 {
	return w.size
}

// FlushAll encodes every non-empty accumulator as one zstd frame, appends
// it to the player's file and fsyncs. Buffers are cleared afterwards.
func (w *Writer) FlushAll() error {
	var frames int
	for player, data := range w.buf {
		if len(data) == 0 {
			continue
		}
		if err := w.appendFrame(player, data); err != nil {
			return err
		}
		frames++
		delete(w.buf, player)
	}
	if frames > 0 {
		w.log.Debug().Int("frames", frames).Int64("bytes", w.size).Msg("flushed player buffers")
	}
	w.size = 0
	return nil
}

// appendFrame encodes data fully in memory and appends it with a single
// write, so a failure never leaves a partial frame boundary mid-write.
func (w *Writer) appendFrame(player string, data []byte) error {
	path := w.playerPath(player)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	frame := w.enc.EncodeAll(data, nil)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return f.Close()
}

// Close flushes any remaining buffers and releases the encoder.
func (w *Writer) Close() error {
	err := w.FlushAll()
	w.enc.Close()
	return err
}

func (w *Writer) playerPath(player string) string {
	return PlayerPath(w.dir, player)
}

// PlayerPath returns the archive path for a player under dir.
func PlayerPath(dir, player string) string {
	return filepath.Join(dir, Shard(player), player+".pgn.zst")
}

// Shard buckets a username by its lowercased two-byte prefix. Bytes outside
// ASCII alphanumerics become '_', and short names are padded with '_', so
// an empty or non-alphanumeric lead falls back to "__".
func Shard(player string) string {
	var s [2]byte
	for i := 0; i < 2; i++ {
		if i >= len(player) {
			s[i] = '_'
			continue
		}
		c := player[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			s[i] = c
		case c >= 'A' && c <= 'Z':
			s[i] = c + ('a' - 'A')
		default:
			s[i] = '_'
		}
	}
	return string(s[:])
}

// Remove deletes a player's archive file if present.
func Remove(dir, player string) error {
	err := os.Remove(PlayerPath(dir, player))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveEmptyShards deletes shard directories left empty by the prune.
func RemoveEmptyShards(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		children, err := os.ReadDir(sub)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			if err := os.Remove(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every knob for one extraction run. Immutable once Finalize
// has been called.
type Config struct {
	// OutputDir is the base output directory. The per-player archive lives
	// under OutputDir/players, the index at OutputDir/index.db and temp
	// downloads under OutputDir/temp unless overridden below.
	OutputDir string `yaml:"output_dir"`
	TempDir   string `yaml:"temp_dir"`
	DBPath    string `yaml:"db_path"`

	// Year selects the twelve monthly Lichess datasets to process. Ignored
	// when DatasetURLs is set explicitly.
	Year        int      `yaml:"year"`
	DatasetURLs []string `yaml:"dataset_urls"`

	// EventFilter is matched exactly against the Event tag.
	EventFilter string `yaml:"event_filter"`
	// TimeControlFilter is matched exactly against the TimeControl tag.
	// Empty accepts any time control.
	TimeControlFilter string `yaml:"time_control_filter"`

	// MinFullMoves is the minimum number of full moves for a game to count.
	MinFullMoves int `yaml:"min_full_moves"`
	// MinMonthlyGames is the per-dataset qualification threshold.
	MinMonthlyGames int `yaml:"min_monthly_games"`
	// MinTotalGames is the cumulative retention threshold used by the prune.
	MinTotalGames int `yaml:"min_total_games"`

	// WriteBufferMaxBytes caps in-memory residency of the player buffers.
	WriteBufferMaxBytes int64 `yaml:"write_buffer_max_bytes"`

	// Prefetch downloads the next dataset while the current one is parsed.
	Prefetch bool `yaml:"prefetch"`
}

// Dataset describes one monthly dump: a stable id (YYYY-MM), its source URL
// and the local temp path it is downloaded to.
type Dataset struct {
	ID       string
	URL      string
	TempPath string
}

// Default returns the built-in configuration: Rated Blitz 300+0 over the
// 2025 Lichess standard dumps.
func Default() Config {
	return Config{
		OutputDir:           "./pgn_output",
		Year:                2025,
		EventFilter:         "Rated Blitz game",
		TimeControlFilter:   "300+0",
		MinFullMoves:        30,
		MinMonthlyGames:     25,
		MinTotalGames:       100,
		WriteBufferMaxBytes: 2 << 30,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PGNVAULT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PGNVAULT_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("PGNVAULT_YEAR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Year = n
		}
	}
	if v := os.Getenv("PGNVAULT_EVENT"); v != "" {
		c.EventFilter = v
	}
	if v, ok := os.LookupEnv("PGNVAULT_TIME_CONTROL"); ok {
		c.TimeControlFilter = v
	}
	if v := os.Getenv("PGNVAULT_MIN_FULL_MOVES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinFullMoves = n
		}
	}
	if v := os.Getenv("PGNVAULT_MIN_MONTHLY_GAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinMonthlyGames = n
		}
	}
	if v := os.Getenv("PGNVAULT_MIN_TOTAL_GAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinTotalGames = n
		}
	}
}

// Finalize derives dependent paths and URLs and validates the result.
func (c *Config) Finalize() error {
	if c.OutputDir == "" {
		return errors.New("output_dir is required")
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(c.OutputDir, "temp")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.OutputDir, "index.db")
	}
	if len(c.DatasetURLs) == 0 {
		if c.Year < 2013 || c.Year > 2100 {
			return fmt.Errorf("year %d out of range", c.Year)
		}
		for m := 1; m <= 12; m++ {
			c.DatasetURLs = append(c.DatasetURLs, fmt.Sprintf(
				"https://database.lichess.org/standard/lichess_db_standard_rated_%d-%02d.pgn.zst",
				c.Year, m))
		}
	}
	if c.EventFilter == "" {
		return errors.New("event_filter is required")
	}
	if c.MinFullMoves < 0 || c.MinMonthlyGames < 1 || c.MinTotalGames < 1 {
		return errors.New("thresholds must be positive")
	}
	if c.WriteBufferMaxBytes <= 0 {
		c.WriteBufferMaxBytes = 2 << 30
	}
	return nil
}

// PlayersDir is the root of the sharded per-player archive.
func (c Config) PlayersDir() string {
	return filepath.Join(c.OutputDir, "players")
}

// Datasets expands the configured URLs into dataset descriptors, in the
// order they should be processed.
func (c Config) Datasets() []Dataset {
	out := make([]Dataset, 0, len(c.DatasetURLs))
	for _, u := range c.DatasetURLs {
		id := DatasetID(u)
		out = append(out, Dataset{
			ID:       id,
			URL:      u,
			TempPath: filepath.Join(c.TempDir, id+".pgn.zst"),
		})
	}
	return out
}

// DatasetID derives the stable YYYY-MM id from a dataset URL. The Lichess
// dumps are named lichess_db_standard_rated_YYYY-MM.pgn.zst; the id is the
// part after the last underscore, extension stripped.
func DatasetID(url string) string {
	name := url
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".pgn.zst")
	name = strings.TrimSuffix(name, ".zst")
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "unknown"
	}
	return name
}

package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/pgnvault/internal/config"
	"github.com/freeeve/pgnvault/internal/events"
	"github.com/freeeve/pgnvault/internal/index"
	"github.com/freeeve/pgnvault/internal/pipeline"
)

const (
	testEvent = "Rated Blitz game"
	testTC    = "300+0"
)

// makeGame builds one well-formed PGN record with the given number of full
// moves, ending in a result terminator.
func makeGame(white, black string, fullMoves int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Event %q]\n", testEvent)
	b.WriteString("[Site \"https://lichess.org/abcd1234\"]\n")
	fmt.Fprintf(&b, "[White %q]\n[Black %q]\n", white, black)
	b.WriteString("[Result \"1-0\"]\n")
	fmt.Fprintf(&b, "[TimeControl %q]\n\n", testTC)
	for i := 1; i <= fullMoves; i++ {
		fmt.Fprintf(&b, "%d. e4 e5 ", i)
	}
	b.WriteString("1-0\n")
	return b.String()
}

// makeDump compresses a sequence of games into a zstd dump.
func makeDump(t *testing.T, games ...string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(strings.Join(games, "\n")), nil)
}

// dumpServer serves one body per dataset id.
func dumpServer(t *testing.T, dumps map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for id, body := range dumps {
			if strings.Contains(r.URL.Path, id) {
				w.Write(body)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server, months ...string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.DatasetURLs = nil
	for _, m := range months {
		cfg.DatasetURLs = append(cfg.DatasetURLs,
			srv.URL+"/lichess_db_standard_rated_"+m+".pgn.zst")
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return cfg
}

func decodePlayerFile(t *testing.T, cfg config.Config, shard, name string) string {
	t.Helper()
	path := filepath.Join(cfg.PlayersDir(), shard, name+".pgn.zst")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return string(data)
}

func run(t *testing.T, cfg config.Config) int {
	t.Helper()
	committed, err := pipeline.Run(context.Background(), cfg, events.Discard{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return committed
}

func TestSingleGameExtraction(t *testing.T) {
	game := makeGame("A", "B", 40)
	srv := dumpServer(t, map[string][]byte{"2025-01": makeDump(t, game)})

	cfg := testConfig(t, srv, "2025-01")
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 1
	cfg.MinTotalGames = 1

	if got := run(t, cfg); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}

	for _, name := range []string{"A", "B"} {
		got := decodePlayerFile(t, cfg, strings.ToLower(name)+"_", name)
		if got != game+"\n" {
			t.Errorf("%s file = %q, want the game", name, got)
		}
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	for _, name := range []string{"A", "B"} {
		total, err := idx.PlayerTotal(name)
		if err != nil || total != 1 {
			t.Errorf("%s total = %d, %v, want 1", name, total, err)
		}
	}

	// Temp file removed after commit.
	entries, err := os.ReadDir(cfg.TempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not empty: %v", entries)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	game := makeGame("A", "B", 40)
	srv := dumpServer(t, map[string][]byte{"2025-01": makeDump(t, game)})

	cfg := testConfig(t, srv, "2025-01")
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 1
	cfg.MinTotalGames = 1

	if got := run(t, cfg); got != 1 {
		t.Fatalf("first run committed = %d, want 1", got)
	}
	first := decodePlayerFile(t, cfg, "a_", "A")

	if got := run(t, cfg); got != 0 {
		t.Fatalf("second run committed = %d, want 0 (skip)", got)
	}
	second := decodePlayerFile(t, cfg, "a_", "A")
	if first != second {
		t.Errorf("re-run changed player file content")
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	total, err := idx.PlayerTotal("A")
	if err != nil || total != 1 {
		t.Errorf("A total after re-run = %d, %v, want 1", total, err)
	}
}

func TestMoveThresholdFiltersEverything(t *testing.T) {
	game := makeGame("A", "B", 40)
	srv := dumpServer(t, map[string][]byte{"2025-01": makeDump(t, game)})

	cfg := testConfig(t, srv, "2025-01")
	cfg.MinFullMoves = 50
	cfg.MinMonthlyGames = 1
	cfg.MinTotalGames = 1

	if got := run(t, cfg); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}

	matches, err := filepath.Glob(filepath.Join(cfg.PlayersDir(), "*", "*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("player files created below move threshold: %v", matches)
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	done, err := idx.IsDone("2025-01")
	if err != nil || !done {
		t.Errorf("dataset done = %v, %v, want true", done, err)
	}
}

func TestTimeControlFilterAbsentAcceptsAll(t *testing.T) {
	game := makeGame("A", "B", 40)
	srv := dumpServer(t, map[string][]byte{"2025-01": makeDump(t, game)})

	cfg := testConfig(t, srv, "2025-01")
	cfg.TimeControlFilter = ""
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 1
	cfg.MinTotalGames = 1

	if got := run(t, cfg); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}
	if got := decodePlayerFile(t, cfg, "a_", "A"); got != game+"\n" {
		t.Errorf("game not extracted with absent TimeControl filter")
	}
}

// monthlyDumps builds two months: X plays n1 games in month 1 and n2 in
// month 2, each against a distinct opponent.
func monthlyDumps(t *testing.T, n1, n2 int) map[string][]byte {
	t.Helper()
	var m1, m2 []string
	for i := 0; i < n1; i++ {
		m1 = append(m1, makeGame("X", fmt.Sprintf("Opp1_%02d", i), 40))
	}
	for i := 0; i < n2; i++ {
		m2 = append(m2, makeGame("X", fmt.Sprintf("Opp2_%02d", i), 40))
	}
	return map[string][]byte{
		"2025-01": makeDump(t, m1...),
		"2025-02": makeDump(t, m2...),
	}
}

func TestMonthlyQualificationAndRetention(t *testing.T) {
	srv := dumpServer(t, monthlyDumps(t, 10, 20))

	cfg := testConfig(t, srv, "2025-01", "2025-02")
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 15
	cfg.MinTotalGames = 15

	if got := run(t, cfg); got != 2 {
		t.Fatalf("committed = %d, want 2", got)
	}

	// Month 1 fell below the monthly threshold, so only month 2's games
	// are in the file and only they count toward the total.
	got := decodePlayerFile(t, cfg, "x_", "X")
	if n := strings.Count(got, "[Event "); n != 20 {
		t.Errorf("X file holds %d games, want 20", n)
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	total, err := idx.PlayerTotal("X")
	if err != nil || total != 20 {
		t.Errorf("X total = %d, %v, want 20", total, err)
	}
}

func TestPruneDeletesBelowTotal(t *testing.T) {
	srv := dumpServer(t, monthlyDumps(t, 10, 20))

	cfg := testConfig(t, srv, "2025-01", "2025-02")
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 15
	cfg.MinTotalGames = 25

	if got := run(t, cfg); got != 2 {
		t.Fatalf("committed = %d, want 2", got)
	}

	path := filepath.Join(cfg.PlayersDir(), "x_", "X.pgn.zst")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("X file survived the prune")
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()
	total, err := idx.PlayerTotal("X")
	if err != nil || total != 0 {
		t.Errorf("X row survived the prune: %d, %v", total, err)
	}
}

func TestBothPlayersQualifyGetTwoCopies(t *testing.T) {
	games := []string{
		makeGame("P", "Q", 40),
		makeGame("Q", "P", 40),
	}
	srv := dumpServer(t, map[string][]byte{"2025-01": makeDump(t, games...)})

	cfg := testConfig(t, srv, "2025-01")
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 2
	cfg.MinTotalGames = 1

	if got := run(t, cfg); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}

	for _, name := range []string{"P", "Q"} {
		got := decodePlayerFile(t, cfg, strings.ToLower(name)+"_", name)
		if n := strings.Count(got, "[Event "); n != 2 {
			t.Errorf("%s file holds %d games, want 2", name, n)
		}
	}
}

func TestCancelBeforeStartCommitsNothing(t *testing.T) {
	srv := dumpServer(t, map[string][]byte{"2025-01": makeDump(t, makeGame("A", "B", 40))})

	cfg := testConfig(t, srv, "2025-01")
	cfg.MinMonthlyGames = 1
	cfg.MinTotalGames = 1

	control := events.NewControl()
	control.Cancel()
	sink := events.NewConsoleSink(io.Discard, control)

	committed, err := pipeline.Run(context.Background(), cfg, sink, zerolog.Nop())
	if err != events.ErrCancelled {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if committed != 0 {
		t.Errorf("committed = %d, want 0", committed)
	}
}

func TestPrefetchedRunMatchesSequential(t *testing.T) {
	srv := dumpServer(t, monthlyDumps(t, 20, 20))

	cfg := testConfig(t, srv, "2025-01", "2025-02")
	cfg.MinFullMoves = 30
	cfg.MinMonthlyGames = 15
	cfg.MinTotalGames = 15
	cfg.Prefetch = true

	if got := run(t, cfg); got != 2 {
		t.Fatalf("committed = %d, want 2", got)
	}
	got := decodePlayerFile(t, cfg, "x_", "X")
	if n := strings.Count(got, "[Event "); n != 40 {
		t.Errorf("X file holds %d games, want 40", n)
	}
}

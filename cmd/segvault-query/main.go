// Package main implements the segvault-query tool: a read-only inspector for
// a recording on disk. It lists segments, days and sample-id spans from the
// catalog, reads sample ranges and checks individual segment files.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/arkilian/segvault/internal/catalog"
	"github.com/arkilian/segvault/internal/config"
	"github.com/arkilian/segvault/internal/daybucket"
	"github.com/arkilian/segvault/internal/segment"
	"github.com/arkilian/segvault/pkg/types"
)

const usage = `segvault-query - inspect a segvault recording

Usage:
  segvault-query [options] segments [-start T] [-end T]
  segvault-query [options] days
  segvault-query [options] spans
  segvault-query [options] data -start T -end T [-csv]
  segvault-query inspect FILE...

T is nanoseconds since the epoch or an RFC 3339 timestamp.

Options:
`

func main() {
	var (
		configFile string
		dataDir    string
		name       string
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&name, "name", "", "Recording name")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "inspect" {
		if err := inspect(os.Stdout, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if name != "" {
		cfg.Recording.Name = name
	}
	cfg.Resolve()

	if err := run(context.Background(), cfg, cmd, args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// view is a read-only handle on a recording's catalog and day index.
type view struct {
	root  string
	cat   *catalog.SQLiteCatalog
	index *daybucket.Index
}

func openView(ctx context.Context, cfg *config.Config) (*view, error) {
	if _, err := os.Stat(cfg.Catalog.Path); err != nil {
		return nil, fmt.Errorf("no catalog at %s: %w", cfg.Catalog.Path, err)
	}
	cat, err := catalog.OpenReadOnly(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	meta, err := cat.LoadRecording(ctx)
	if err != nil {
		cat.Close()
		return nil, err
	}
	rows, err := cat.All(ctx)
	if err != nil {
		cat.Close()
		return nil, err
	}
	index := daybucket.New(daybucket.Calendar{Origin: meta.Start, TimezoneOffset: meta.TimezoneOffset})
	index.Replace(rows)
	return &view{root: cfg.Recording.Root, cat: cat, index: index}, nil
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	startFlag := fs.String("start", "", "range start")
	endFlag := fs.String("end", "", "range end")
	asCSV := fs.Bool("csv", false, "write CSV instead of JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	start, end, err := parseRange(*startFlag, *endFlag)
	if err != nil {
		return err
	}

	v, err := openView(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.cat.Close()

	switch cmd {
	case "segments":
		segs, err := v.cat.FindRange(ctx, start, end)
		if err != nil {
			return err
		}
		return writeJSON(out, knownRates(segs))
	case "days":
		days := v.index.Days()
		for i := range days {
			if math.IsNaN(days[i].SampleRate) {
				days[i].SampleRate = 0
			}
			knownRates(days[i].Segments)
		}
		return writeJSON(out, days)
	case "spans":
		spans, err := v.cat.SegmentSpans(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, spans)
	case "data":
		if *startFlag == "" || *endFlag == "" {
			return fmt.Errorf("data requires -start and -end")
		}
		frame, err := v.read(start, end)
		if err != nil {
			return err
		}
		if *asCSV {
			return writeCSV(out, frame)
		}
		return writeJSON(out, frame)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// knownRates replaces unknown (NaN) sample rates with 0, which JSON can
// encode.
func knownRates(segs []types.Segment) []types.Segment {
	for i := range segs {
		if math.IsNaN(segs[i].SampleRate) {
			segs[i].SampleRate = 0
		}
	}
	return segs
}

// read concatenates the samples in [start, end] across segments.
func (v *view) read(start, end int64) (types.Frame, error) {
	var out types.Frame
	for _, seg := range v.index.Segments(start, end) {
		r, err := segment.OpenFile(filepath.Join(v.root, filepath.FromSlash(seg.Path)))
		if err != nil {
			return types.Frame{}, fmt.Errorf("%s: %w", seg.Path, err)
		}
		f, err := r.ReadRange(start, end)
		r.Close()
		if err != nil {
			return types.Frame{}, fmt.Errorf("%s: %w", seg.Path, err)
		}
		if err := out.Append(f); err != nil {
			return types.Frame{}, err
		}
	}
	return out, nil
}

func inspect(out io.Writer, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("inspect requires at least one file")
	}
	type result struct {
		File       string      `json:"file"`
		Valid      bool        `json:"valid"`
		Error      string      `json:"error,omitempty"`
		Start      int64       `json:"start,omitempty"`
		End        int64       `json:"end,omitempty"`
		Shape      types.Shape `json:"shape"`
		StartID    int64       `json:"start_id"`
		EndID      int64       `json:"end_id"`
		SampleRate float64     `json:"sample_rate,omitempty"`
	}
	results := make([]result, 0, len(files))
	for _, f := range files {
		info, err := segment.Inspect(segment.PathSource(f))
		if err != nil {
			results = append(results, result{File: f, Error: err.Error()})
			continue
		}
		rate := info.Header.SampleRate
		if math.IsNaN(rate) {
			rate = 0
		}
		results = append(results, result{
			File:       f,
			Valid:      true,
			Start:      info.Header.Start,
			End:        info.Extent.End,
			Shape:      info.Shape(),
			StartID:    info.Header.StartID,
			EndID:      info.Extent.EndID,
			SampleRate: rate,
		})
	}
	return writeJSON(out, results)
}

func parseRange(s, e string) (int64, int64, error) {
	start, end := int64(math.MinInt64), int64(math.MaxInt64)
	var err error
	if s != "" {
		if start, err = parseTime(s); err != nil {
			return 0, 0, fmt.Errorf("invalid -start: %w", err)
		}
	}
	if e != "" {
		if end, err = parseTime(e); err != nil {
			return 0, 0, fmt.Errorf("invalid -end: %w", err)
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf("-end is before -start")
	}
	return start, end, nil
}

func parseTime(v string) (int64, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0, err
	}
	return t.UnixNano(), nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeCSV writes one row per sample: the timestamp then each channel.
func writeCSV(out io.Writer, f types.Frame) error {
	w := csv.NewWriter(out)
	header := []string{"timestamp"}
	for c := 0; c < f.Channels; c++ {
		header = append(header, "ch"+strconv.Itoa(c))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, 1+f.Channels)
	for i := 0; i < f.Len(); i++ {
		record[0] = strconv.FormatInt(f.Timestamps[i], 10)
		for c, v := range f.Row(i) {
			record[1+c] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

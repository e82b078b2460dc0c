// Package main implements segvault-ingest, a synthetic acquisition source. It
// generates multichannel sine waves and posts them to a segvault service in
// fixed-size chunks, either paced in real time or as fast as possible.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpapi "github.com/arkilian/segvault/internal/api/http"
	"github.com/arkilian/segvault/internal/observability"
)

// Config holds the source configuration.
type Config struct {
	URL        string
	Channels   int
	SampleRate float64
	Chunk      int
	Duration   time.Duration
	Start      time.Time
	Timezone   int
	NewFile    bool
	Realtime   bool
}

func main() {
	_ = godotenv.Load()
	cfg := parseFlags()

	logger, err := observability.NewLogger(os.Stderr, os.Getenv("SEGVAULT_LOG_LEVEL"), os.Getenv("SEGVAULT_LOG_FORMAT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src := &source{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}, logger: logger}
	sent, err := src.run(ctx)
	logger.Info("ingest finished", "samples", sent)
	if err != nil && ctx.Err() == nil {
		logger.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() Config {
	cfg := Config{}
	var start string
	flag.StringVar(&cfg.URL, "url", envOr("SEGVAULT_URL", "http://localhost:8080"), "segvault service URL")
	flag.IntVar(&cfg.Channels, "channels", 4, "Number of channels")
	flag.Float64Var(&cfg.SampleRate, "rate", 512, "Sample rate in Hz")
	flag.IntVar(&cfg.Chunk, "chunk", 256, "Samples per request")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "Length of signal to generate")
	flag.StringVar(&start, "start", "", "Timestamp of the first sample (RFC 3339); default now")
	flag.IntVar(&cfg.Timezone, "tz", 0, "Timezone offset in seconds east of UTC for -new-file")
	flag.BoolVar(&cfg.NewFile, "new-file", false, "Start a new segment before the first chunk")
	flag.BoolVar(&cfg.Realtime, "realtime", true, "Pace requests at the sample rate")
	flag.Parse()

	cfg.Start = time.Now()
	if start != "" {
		t, err := time.Parse(time.RFC3339Nano, start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
			os.Exit(2)
		}
		cfg.Start = t
	}
	if cfg.Channels < 1 || cfg.SampleRate <= 0 || cfg.Chunk < 1 {
		fmt.Fprintln(os.Stderr, "-channels, -rate and -chunk must be positive")
		os.Exit(2)
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// chunk generates samples [first, first+n) of the synthetic signal.
func (s *source) chunk(first, n int) httpapi.IngestRequest {
	period := float64(time.Second) / s.cfg.SampleRate
	req := httpapi.IngestRequest{
		Timestamps: make([]int64, n),
		Data:       make([][]float32, n),
	}
	for i := 0; i < n; i++ {
		k := first + i
		req.Timestamps[i] = s.cfg.Start.UnixNano() + int64(math.Round(float64(k)*period))
		row := make([]float32, s.cfg.Channels)
		t := float64(k) / s.cfg.SampleRate
		for c := range row {
			// One frequency per channel, 1 Hz apart.
			row[c] = float32(math.Sin(2 * math.Pi * float64(c+1) * t))
		}
		req.Data[i] = row
	}
	return req
}

func (s *source) run(ctx context.Context) (int, error) {
	total := int(s.cfg.Duration.Seconds() * s.cfg.SampleRate)
	interval := time.Duration(float64(s.cfg.Chunk) / s.cfg.SampleRate * float64(time.Second))
	s.logger.Info("generating signal",
		"url", s.cfg.URL,
		"samples", total,
		"channels", s.cfg.Channels,
		"rate", s.cfg.SampleRate,
		"chunk", s.cfg.Chunk)

	var ticker *time.Ticker
	if s.cfg.Realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	sent := 0
	for sent < total {
		n := min(s.cfg.Chunk, total-sent)
		req := s.chunk(sent, n)
		if sent == 0 && s.cfg.NewFile {
			req.NewFile = &httpapi.NewFileRequest{TimezoneOffset: int32(s.cfg.Timezone), SampleRate: s.cfg.SampleRate}
		}
		if err := s.post(ctx, req); err != nil {
			return sent, err
		}
		sent += n

		if ticker != nil {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (s *source) post(ctx context.Context, req httpapi.IngestRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e httpapi.ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("ingest rejected (%d %s): %s", resp.StatusCode, e.Code, e.Error)
		}
		return fmt.Errorf("ingest rejected: %s", resp.Status)
	}
	return nil
}

// Command bvcheck evaluates one dialysis-session export, or watches an export
// directory, and prints or uploads the resulting report.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bvscope/bvscope/agent/internal/config"
	"github.com/bvscope/bvscope/agent/internal/render"
	"github.com/bvscope/bvscope/agent/internal/uploader"
	"github.com/bvscope/bvscope/agent/internal/watcher"
	"github.com/bvscope/bvscope/pkg/compute"
	"github.com/bvscope/bvscope/pkg/ingest"
	"github.com/bvscope/bvscope/pkg/types"
)

// Exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run is main without the process exit, so tests can drive it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bvcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: bvcheck [flags] session.csv")
		fmt.Fprintln(stderr, "       bvcheck [flags] -watch DIR")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "path to bvcheck.yaml")
	encoding := fs.String("encoding", "", "source encoding: shift_jis | utf-8")
	dryWeight := fs.String("dry-weight", "", "dry weight override in kg (30-120)")
	sbpPolicy := fs.String("sbp-policy", "", "SBP drop bands: standard | strict")
	weightPolicy := fs.String("weight-policy", "", "dry weight precedence: column_first | override_first")
	format := fs.String("format", "", "output format: text | json | prom")
	patient := fs.String("patient", "", "patient identifier attached to uploads")
	uploadURL := fs.String("upload", "", "bvscope-server base URL; empty disables upload")
	watchDir := fs.String("watch", "", "watch DIR for new exports instead of reading one file")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "bvcheck: %v\n", err)
			return exitUsage
		}
		cfg = loaded
	}

	s := &cfg.BVCheck
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "encoding":
			s.Encoding = *encoding
		case "dry-weight":
			w, err := strconv.ParseFloat(*dryWeight, 64)
			if err != nil {
				flagErr = fmt.Errorf("-dry-weight: %w", err)
				return
			}
			s.DryWeightKg = &w
		case "sbp-policy":
			s.SBPDropPolicy = *sbpPolicy
		case "weight-policy":
			s.DryWeightPolicy = *weightPolicy
		case "format":
			s.Format = *format
		case "patient":
			s.Patient = *patient
		case "upload":
			s.Upload.Endpoint = *uploadURL
		case "watch":
			s.Watch.Dir = *watchDir
		}
	})
	if flagErr == nil {
		flagErr = config.Validate(cfg)
	}
	if flagErr != nil {
		fmt.Fprintf(stderr, "bvcheck: %v\n", flagErr)
		return exitUsage
	}

	if s.Watch.Dir != "" {
		if fs.NArg() != 0 {
			fs.Usage()
			return exitUsage
		}
		return watch(ctx, *s)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	return once(ctx, *s, fs.Arg(0), stdout, stderr)
}

// once evaluates a single export, optionally uploads it, and renders it.
func once(ctx context.Context, s config.Settings, path string, stdout, stderr io.Writer) int {
	body, rep, err := evaluateFile(path, s)
	if err != nil {
		fmt.Fprintf(stderr, "bvcheck: %s: %v\n", path, err)
		return exitFatal
	}

	if s.Upload.Endpoint != "" {
		up := uploader.New(s.Upload)
		remote, err := up.Send(ctx, uploadFor(path, body, s))
		if err != nil {
			fmt.Fprintf(stderr, "bvcheck: upload: %v\n", err)
			return exitFatal
		}
		slog.Info("uploaded session", "file", path, "id", remote.ID, "worst", remote.Worst)
		if remote.Worst != rep.Worst {
			slog.Warn("server labels differ from local evaluation",
				"id", remote.ID, "local", rep.Worst, "server", remote.Worst)
		}
		// Print what the server stored under remote.ID.
		rep = remote
	}

	if err := render.Write(stdout, s.Format, rep); err != nil {
		fmt.Fprintf(stderr, "bvcheck: %v\n", err)
		return exitFatal
	}
	return exitOK
}

// watch evaluates every settled export in s.Watch.Dir and ships it to the
// server when an endpoint is configured. It blocks until ctx is cancelled.
func watch(ctx context.Context, s config.Settings) int {
	slog.Info("bvcheck starting in watch mode", "dir", s.Watch.Dir, "upload", s.Upload.Endpoint)

	var up *uploader.Uploader
	if s.Upload.Endpoint != "" {
		up = uploader.New(s.Upload)
		go up.Run(ctx)
	}

	w := watcher.New(s.Watch, func(ctx context.Context, path string) {
		body, rep, err := evaluateFile(path, s)
		if err != nil {
			slog.Warn("bvcheck: export rejected", "file", path, "kind", compute.ErrorKind(err), "err", err)
			return
		}
		slog.Info("bvcheck: export evaluated",
			"file", path, "records", rep.Records, "worst", rep.Worst, "dry_weight_source", rep.DryWeight.Source)
		if up != nil {
			up.Ship(uploadFor(path, body, s))
		}
	})
	if err := w.Run(ctx); err != nil {
		slog.Error("bvcheck: watcher stopped", "err", err)
		return exitFatal
	}
	slog.Info("bvcheck shutting down")
	return exitOK
}

// evaluateFile reads, decodes and evaluates one export. It returns the raw
// bytes so the same file can be uploaded unchanged.
func evaluateFile(path string, s config.Settings) ([]byte, *types.Report, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	enc, err := ingest.ParseEncoding(s.Encoding)
	if err != nil {
		return nil, nil, err
	}
	tbl, err := ingest.Read(bytes.NewReader(body), enc)
	if err != nil {
		return nil, nil, err
	}
	ev, err := compute.Evaluate(tbl, s.Evaluation())
	if err != nil {
		if kind := compute.ErrorKind(err); kind != "" {
			return nil, nil, fmt.Errorf("%w [%s]", err, kind)
		}
		return nil, nil, err
	}
	return body, types.NewReport(uuid.NewString(), filepath.Base(path), s.Patient, time.Now(), ev), nil
}

func uploadFor(path string, body []byte, s config.Settings) uploader.Upload {
	return uploader.Upload{
		Filename:        filepath.Base(path),
		Body:            body,
		Patient:         s.Patient,
		DryWeightKg:     s.DryWeightKg,
		Encoding:        s.Encoding,
		SBPDropPolicy:   s.SBPDropPolicy,
		DryWeightPolicy: s.DryWeightPolicy,
	}
}

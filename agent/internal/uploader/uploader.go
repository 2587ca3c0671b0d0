package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bvscope/bvscope/agent/internal/config"
	"github.com/bvscope/bvscope/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 30 * time.Second
	backoffMultiplier = 2.0

	sessionsPath = "/api/v1/sessions"
)

// Upload is one session export waiting for delivery.
type Upload struct {
	Filename    string
	Body        []byte
	Patient     string
	DryWeightKg *float64
	// Encoding and the two policies are sent as form fields; empty leaves
	// the server default.
	Encoding        string
	SBPDropPolicy   string
	DryWeightPolicy string
}

// PermanentError is returned when the server rejects an upload with a 4xx
// status. Code carries the server's machine-readable error code, if any.
type PermanentError struct {
	Status  int
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("uploader: rejected with %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("uploader: rejected with %d: %s", e.Status, e.Message)
}

// Uploader posts exports to bvscope-server.
type Uploader struct {
	cfg    config.UploadConfig
	client *http.Client
	buf    chan Upload
	sleep  func(ctx context.Context, d time.Duration) error // injectable for tests
}

// New creates an Uploader using the given upload config.
func New(cfg config.UploadConfig) *Uploader {
	return &Uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		buf:    make(chan Upload, cfg.BufferSize),
		sleep:  sleepCtx,
	}
}

// Send posts u, retrying up to MaxAttempts times. It returns the report the
// server produced for the upload.
func (u *Uploader) Send(ctx context.Context, up Upload) (*types.Report, error) {
	bo := newBackoff()
	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		rep, err := u.post(ctx, up)
		if err == nil {
			return rep, nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return nil, err
		}
		lastErr = err
		if attempt == u.cfg.MaxAttempts {
			break
		}
		wait := bo.next()
		slog.Warn("uploader: send failed, will retry",
			"file", up.Filename, "attempt", attempt, "err", err, "retry_in", wait)
		if err := u.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("uploader: giving up after %d attempts: %w", u.cfg.MaxAttempts, lastErr)
}

// Ship enqueues up for Run. If the buffer is full the oldest entry is evicted
// to make room.
func (u *Uploader) Ship(up Upload) {
	select {
	case u.buf <- up:
	default:
		select {
		case old := <-u.buf:
			slog.Warn("uploader: buffer full, evicted oldest upload",
				"file", old.Filename, "buffer_cap", cap(u.buf))
		default:
		}
		u.buf <- up
	}
}

// Run drains the buffer until ctx is cancelled. A transient failure backs off
// and requeues the upload; a permanent failure discards it.
func (u *Uploader) Run(ctx context.Context) {
	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-u.buf:
			rep, err := u.post(ctx, up)
			if err == nil {
				bo.reset()
				slog.Info("uploader: delivered", "file", up.Filename, "id", rep.ID, "worst", rep.Worst)
				continue
			}
			var perm *PermanentError
			if errors.As(err, &perm) {
				slog.Error("uploader: permanent send error, discarding upload",
					"file", up.Filename, "err", err)
				continue
			}
			wait := bo.next()
			slog.Warn("uploader: send failed, will retry",
				"file", up.Filename, "err", err, "retry_in", wait)
			u.requeue(up)
			if u.sleep(ctx, wait) != nil {
				return
			}
		}
	}
}

// requeue puts up back if there is room; otherwise it is dropped.
func (u *Uploader) requeue(up Upload) {
	select {
	case u.buf <- up:
	default:
		slog.Warn("uploader: buffer full, dropped upload on retry", "file", up.Filename)
	}
}

// post performs one multipart upload.
func (u *Uploader) post(ctx context.Context, up Upload) (*types.Report, error) {
	body, contentType, err := encode(up)
	if err != nil {
		return nil, &PermanentError{Message: err.Error()}
	}

	url := strings.TrimRight(u.cfg.Endpoint, "/") + sessionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, &PermanentError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	u.authorize(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploader: post: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("uploader: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("uploader: server error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 400:
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return nil, &PermanentError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	var rep types.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("uploader: decode report: %w", err)
	}
	return &rep, nil
}

func (u *Uploader) authorize(req *http.Request) {
	a := u.cfg.Auth
	switch a.Mode {
	case "apikey":
		header := a.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, a.Key())
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token())
	}
}

func encode(up Upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if up.Patient != "" {
		if err := mw.WriteField("patient", up.Patient); err != nil {
			return nil, "", err
		}
	}
	if up.DryWeightKg != nil {
		if err := mw.WriteField("dry_weight", strconv.FormatFloat(*up.DryWeightKg, 'f', -1, 64)); err != nil {
			return nil, "", err
		}
	}
	for _, f := range []struct{ name, value string }{
		{"encoding", up.Encoding},
		{"sbp_drop_policy", up.SBPDropPolicy},
		{"dry_weight_policy", up.DryWeightPolicy},
	} {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	fw, err := mw.CreateFormFile("file", up.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(up.Body); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}

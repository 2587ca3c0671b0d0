package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bvscope/bvscope/agent/internal/config"
	"github.com/bvscope/bvscope/pkg/types"
)

func testConfig(endpoint string) config.UploadConfig {
	return config.UploadConfig{
		Endpoint:    endpoint,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BufferSize:  2,
		Auth:        config.AuthConfig{Mode: "apikey", Header: "X-API-Key", KeyEnv: "TEST_UPLOAD_KEY"},
	}
}

// noSleep records requested waits instead of sleeping.
func noSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	var mu sync.Mutex
	return func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*waits = append(*waits, d)
		mu.Unlock()
		return ctx.Err()
	}
}

func TestSend_Success(t *testing.T) {
	t.Setenv("TEST_UPLOAD_KEY", "k-123")

	var got struct {
		key, patient, weight, encoding, sbp, dwp, filename, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/sessions" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		got.key = r.Header.Get("X-API-Key")
		got.patient = r.FormValue("patient")
		got.weight = r.FormValue("dry_weight")
		got.encoding = r.FormValue("encoding")
		got.sbp = r.FormValue("sbp_drop_policy")
		got.dwp = r.FormValue("dry_weight_policy")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		got.filename, got.body = hdr.Filename, string(b)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.Report{ID: "new-id", Worst: "caution"})
	}))
	defer srv.Close()

	u := New(testConfig(srv.URL + "/"))
	weight := 61.5
	rep, err := u.Send(context.Background(), Upload{
		Filename: "s.csv", Body: []byte("a,b\n1,2\n"), Patient: "P-1", DryWeightKg: &weight,
		Encoding: "utf-8", SBPDropPolicy: "strict", DryWeightPolicy: "override_first",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rep.ID != "new-id" || rep.Worst != "caution" {
		t.Errorf("report = %+v", rep)
	}
	if got.key != "k-123" || got.patient != "P-1" || got.weight != "61.5" || got.encoding != "utf-8" ||
		got.sbp != "strict" || got.dwp != "override_first" {
		t.Errorf("request fields = %+v", got)
	}
	if got.filename != "s.csv" || got.body != "a,b\n1,2\n" {
		t.Errorf("file = %q %q", got.filename, got.body)
	}
}

func TestSend_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}))
	defer srv.Close()

	var waits []time.Duration
	u := New(testConfig(srv.URL))
	u.sleep = noSleep(&waits)

	rep, err := u.Send(context.Background(), Upload{Filename: "s.csv", Body: []byte("x")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rep.ID != "ok" || calls.Load() != 3 {
		t.Errorf("id=%q calls=%d, want ok/3", rep.ID, calls.Load())
	}
	if len(waits) != 2 {
		t.Fatalf("waits = %v, want 2", waits)
	}
	// Second wait is drawn from 2s ±25%.
	if waits[1] < 1500*time.Millisecond || waits[1] > 2500*time.Millisecond {
		t.Errorf("second wait = %v, want ~2s", waits[1])
	}
}

func TestSend_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	var waits []time.Duration
	u := New(testConfig(srv.URL))
	u.sleep = noSleep(&waits)

	if _, err := u.Send(context.Background(), Upload{Filename: "s.csv"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSend_PermanentOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"compute: missing required column","code":"missing_column"}`))
	}))
	defer srv.Close()

	u := New(testConfig(srv.URL))
	_, err := u.Send(context.Background(), Upload{Filename: "s.csv"})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want *PermanentError", err)
	}
	if perm.Status != http.StatusUnprocessableEntity || perm.Code != "missing_column" {
		t.Errorf("perm = %+v", perm)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestShip_EvictsOldest(t *testing.T) {
	u := New(testConfig("http://unused"))
	u.Ship(Upload{Filename: "a"})
	u.Ship(Upload{Filename: "b"})
	u.Ship(Upload{Filename: "c"})

	if len(u.buf) != 2 {
		t.Fatalf("buffer len = %d, want 2", len(u.buf))
	}
	if first := <-u.buf; first.Filename != "b" {
		t.Errorf("oldest kept = %q, want b", first.Filename)
	}
}

func TestRun_Delivers(t *testing.T) {
	delivered := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		delivered <- hdr.Filename
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	u := New(testConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	u.Ship(Upload{Filename: "one.csv", Body: []byte("x")})
	select {
	case name := <-delivered:
		if name != "one.csv" {
			t.Errorf("delivered %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBackoff_Caps(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 10; i++ {
		b.next()
	}
	if b.current != backoffMax {
		t.Errorf("current = %v, want %v", b.current, backoffMax)
	}
	if d := b.next(); d > backoffMax+backoffMax/4 {
		t.Errorf("next = %v exceeds cap with jitter", d)
	}
	b.reset()
	if b.current != backoffInitial {
		t.Errorf("after reset current = %v", b.current)
	}
}

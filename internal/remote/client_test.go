package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchEventsArray(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/gps" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"id":"g1"},{"id":"g2"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{Events: "/api/gps"})
	since := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	events, err := c.FetchEvents(context.Background(), Query{Since: since, Window: 90 * time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0]["id"] != "g1" {
		t.Fatalf("unexpected events: %v", events)
	}
	if gotQuery != "hours=2&since=2026-02-23T12%3A00%3A00Z&window=1h30m0s" {
		t.Fatalf("unexpected query: %q", gotQuery)
	}
}

func TestFetchEventsNoSinceWhenZero(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{})
	events, err := c.FetchEvents(context.Background(), Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 || gotQuery != "" {
		t.Fatalf("events=%v query=%q", events, gotQuery)
	}
}

func TestDecodeEventsEnvelopes(t *testing.T) {
	cases := map[string]int{
		`{"success":true,"detections":[{"id":1},{"id":2}]}`: 2,
		`{"alerts":[{"id":"a"}]}`:                           1,
		`{"logs":[]}`:                                       0,
		`{"data":[{"id":"x"},null]}`:                        1,
		`null`:                                              0,
		`  `:                                                0,
	}
	for body, want := range cases {
		got, err := DecodeEvents([]byte(body))
		if err != nil {
			t.Fatalf("DecodeEvents(%s): %v", body, err)
		}
		if len(got) != want {
			t.Fatalf("DecodeEvents(%s) = %d events, want %d", body, len(got), want)
		}
	}
	for _, body := range []string{`{"success":false,"error":"db down"}`, `"text"`, `[1,2]`, `{"events":{}}`} {
		if _, err := DecodeEvents([]byte(body)); err == nil {
			t.Fatalf("expected error for %s", body)
		}
	}
	for _, body := range []string{`{"id":"solo"}`, `{"error":"database query failed"}`, `{"status":"ok"}`, `{}`} {
		if _, err := DecodeEvents([]byte(body)); !errors.Is(err, ErrNoEnvelope) {
			t.Fatalf("DecodeEvents(%s): want ErrNoEnvelope, got %v", body, err)
		}
	}
}

func TestFetchEventsRejectsBareObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"database query failed"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{})
	events, err := c.FetchEvents(context.Background(), Query{})
	if !errors.Is(err, ErrNoEnvelope) {
		t.Fatalf("expected ErrNoEnvelope, got %v", err)
	}
	if events != nil {
		t.Fatalf("no events expected, got %v", events)
	}
}

func TestFetchEventsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream down`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{})
	_, err := c.FetchEvents(context.Background(), Query{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Body != "upstream down" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestFetchEventsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{})
	if _, err := c.FetchEvents(context.Background(), Query{}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestClearUsesConfiguredMethod(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{"success":true,"deleted_count":7}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{Events: "/api/gps", Clear: "/api/gps/clear", ClearMethod: "post"})
	n, err := c.Clear(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 || gotMethod != http.MethodPost || gotPath != "/api/gps/clear" {
		t.Fatalf("n=%d method=%s path=%s", n, gotMethod, gotPath)
	}
}

func TestClearDefaultsToDeleteOnEvents(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{Events: "/api/nids-alerts"})
	n, err := c.Clear(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != -1 || gotMethod != http.MethodDelete || gotPath != "/api/nids-alerts" {
		t.Fatalf("n=%d method=%s path=%s", n, gotMethod, gotPath)
	}
}

func TestPostEvent(t *testing.T) {
	var got map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{Events: "/api/deauth_logs"})
	if err := c.PostEvent(context.Background(), map[string]any{"alert_type": "Deauth Attack"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["alert_type"] != "Deauth Attack" || contentType != "application/json" {
		t.Fatalf("posted %v with %q", got, contentType)
	}
}

func TestFetchStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":3,"by_severity":{"high":1}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Paths{Stats: "/api/nids-stats"})
	stats, err := c.FetchStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats["total"] != float64(3) {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if _, err := New(srv.URL, Paths{}).FetchStats(context.Background()); !errors.Is(err, ErrNoStats) {
		t.Fatalf("expected ErrNoStats, got %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(srv.URL, Paths{}).FetchEvents(ctx, Query{}); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

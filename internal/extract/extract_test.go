package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"vidfetchgo/internal/models"
)

func noSink(done, total int64) {}

func TestFetch_DirectMediaLink(t *testing.T) {
	payload := make([]byte, 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer server.Close()

	var lastDone, lastTotal int64
	sink := func(done, total int64) {
		lastDone, lastTotal = done, total
	}

	f := New()
	path, size, err := f.Fetch(context.Background(), server.URL+"/clip.mp4", t.TempDir(), sink)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("size = %d, expected %d", size, len(payload))
	}
	if lastDone != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Errorf("last progress = (%d, %d), expected (%d, %d)", lastDone, lastTotal, len(payload), len(payload))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Errorf("file size = %d, expected %d", info.Size(), len(payload))
	}
	if got := info.Name(); got != "clip.mp4" {
		t.Errorf("file name = %s, expected clip.mp4", got)
	}
}

func TestFetch_HTMLPageWithOgVideo(t *testing.T) {
	payload := []byte("fake video bytes")
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><meta property="og:video" content="/media/embedded.mp4"></head><body></body></html>`)
	})
	mux.HandleFunc("/media/embedded.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := New()
	path, size, err := f.Fetch(context.Background(), server.URL+"/watch", t.TempDir(), noSink)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("size = %d, expected %d", size, len(payload))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("output file missing: %v", err)
	}
}

func TestFetch_HTMLPageWithVideoTag(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><video><source src="/v.webm"></video></body></html>`)
	})
	mux.HandleFunc("/v.webm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/webm")
		w.Write([]byte("webm"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := New()
	if _, _, err := f.Fetch(context.Background(), server.URL+"/page", t.TempDir(), noSink); err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
}

func TestFetch_PageWithoutMedia(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>nothing here</p></body></html>`)
	}))
	defer server.Close()

	f := New()
	_, _, err := f.Fetch(context.Background(), server.URL, t.TempDir(), noSink)
	var je *models.JobError
	if !errors.As(err, &je) || je.Kind != models.KindUnsupportedURL {
		t.Fatalf("expected %s, got %v", models.KindUnsupportedURL, err)
	}
}

func TestFetch_UnexpectedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	f := New()
	_, _, err := f.Fetch(context.Background(), server.URL, t.TempDir(), noSink)
	var je *models.JobError
	if !errors.As(err, &je) || je.Kind != models.KindUnsupportedURL {
		t.Fatalf("expected %s, got %v", models.KindUnsupportedURL, err)
	}
}

func TestFetch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New()
	_, _, err := f.Fetch(context.Background(), server.URL, t.TempDir(), noSink)
	var je *models.JobError
	if !errors.As(err, &je) || je.Kind != models.KindNetwork {
		t.Fatalf("expected %s, got %v", models.KindNetwork, err)
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("data"))
	}))
	defer server.Close()

	f := New()
	_, _, err := f.Fetch(ctx, server.URL, t.TempDir(), noSink)
	var je *models.JobError
	if !errors.As(err, &je) || je.Kind != models.KindCancelled {
		t.Fatalf("expected %s, got %v", models.KindCancelled, err)
	}
}

func TestDeriveFileName(t *testing.T) {
	tests := []struct {
		url         string
		contentType string
		want        string // "" means a generated download_* name
	}{
		{"https://example.com/My Clip.mp4", "video/mp4", "My Clip.mp4"},
		{"https://example.com/v/watch", "video/mp4", ""},
		{"https://example.com/", "audio/mpeg", ""},
	}

	for _, test := range tests {
		got := deriveFileName(test.url, test.contentType)
		if test.want != "" {
			if got != test.want {
				t.Errorf("deriveFileName(%q) = %q, expected %q", test.url, got, test.want)
			}
			continue
		}
		if got == "" || got[:9] != "download_" {
			t.Errorf("deriveFileName(%q) = %q, expected generated name", test.url, got)
		}
	}
}

package validate

import (
	"strings"
	"testing"
)

func TestURL(t *testing.T) {
	blocked := []string{"malware.com", "phishing.com"}
	allowed := []string{".mp4", ".mkv", ".webm", ".mp3"}

	tests := []struct {
		name    string
		url     string
		wantErr string // substring of the error message, "" for valid
	}{
		{"plain video", "https://example.com/clip.mp4", ""},
		{"http scheme", "http://example.com/clip.mkv", ""},
		{"no extension", "https://example.com/watch?v=abc", ""},
		{"uppercase extension", "https://example.com/CLIP.MP4", ""},
		{"ftp scheme", "ftp://example.com/clip.mp4", "invalid URL scheme"},
		{"no host", "https:///clip.mp4", "invalid URL structure"},
		{"blocked domain", "https://cdn.malware.com/clip.mp4", "blocked domain"},
		{"blocked subdomain match", "https://malware.com.evil.net/x.mp4", "blocked domain"},
		{"disallowed extension", "https://example.com/document.exe", "disallowed file type"},
		{"html page", "https://example.com/page.html", "disallowed file type"},
		{"not a url", "://nope", "invalid URL"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := URL(test.url, blocked, allowed)
			if test.wantErr == "" {
				if err != nil {
					t.Errorf("URL(%q) = %v, expected nil", test.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("URL(%q) = nil, expected error containing %q", test.url, test.wantErr)
			}
			if !strings.Contains(err.Message, test.wantErr) && !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("URL(%q) error = %q, expected to contain %q", test.url, err.Error(), test.wantErr)
			}
		})
	}
}

func TestURL_EmptyAllowListAcceptsAnyExtension(t *testing.T) {
	if err := URL("https://example.com/file.xyz", nil, nil); err != nil {
		t.Errorf("expected any extension to pass with an empty allow-list, got %v", err)
	}
}

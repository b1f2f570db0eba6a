// Package extract implements the default fetcher for direct media links. It
// streams the response body to disk with progress callbacks, and falls back
// to scraping an HTML page for its media URL when the link is not a media
// resource itself.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"vidfetchgo/internal/models"
)

const (
	chunkSize = 1024 * 1024
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

var mediaContentTypes = []string{
	"video/",
	"audio/",
	"application/octet-stream",
	"application/force-download",
	"application/mp4",
	"application/x-matroska",
}

var contentTypeToExt = map[string]string{
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/quicktime":  ".mov",
	"video/x-matroska": ".mkv",
	"audio/mpeg":       ".mp3",
	"audio/mp4":        ".m4a",
}

type DirectFetcher struct {
	client *http.Client
}

func New() *DirectFetcher {
	return &DirectFetcher{
		// No overall timeout on the client: large transfers are bounded by
		// the caller's context and stall watchdog instead.
		client: &http.Client{},
	}
}

// Fetch resolves rawURL to a media stream and writes it into destDir,
// calling sink with byte counters as data arrives. The returned path may be
// non-empty even on error so the caller can remove the partial file.
func (f *DirectFetcher) Fetch(ctx context.Context, rawURL, destDir string, sink func(done, total int64)) (string, int64, error) {
	resp, err := f.open(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/html") {
		mediaURL, err := f.scrapeMediaURL(rawURL, resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", 0, err
		}
		resp, err = f.open(ctx, mediaURL)
		if err != nil {
			return "", 0, err
		}
		contentType = strings.ToLower(resp.Header.Get("Content-Type"))
		rawURL = mediaURL
	}
	defer resp.Body.Close()

	if !isMediaType(contentType) {
		return "", 0, models.NewJobError(models.KindUnsupportedURL,
			fmt.Sprintf("unexpected content type: %s", contentType))
	}

	dest := filepath.Join(destDir, deriveFileName(rawURL, contentType))
	file, err := os.Create(dest)
	if err != nil {
		return "", 0, models.NewJobError(models.KindExtractor, "cannot create file: "+err.Error())
	}
	defer file.Close()

	written, err := copyWithProgress(ctx, file, resp.Body, resp.ContentLength, sink)
	if err != nil {
		return dest, written, err
	}
	return dest, written, nil
}

func (f *DirectFetcher) open(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, models.NewJobError(models.KindUnsupportedURL, err.Error())
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewJobError(models.KindCancelled, "fetch cancelled")
		}
		return nil, models.NewJobError(models.KindNetwork, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, models.NewJobError(models.KindNetwork, "server error: "+resp.Status)
	}
	return resp, nil
}

// scrapeMediaURL inspects an HTML page for the media resource it embeds:
// og:video / og:audio meta tags first, then <video>/<source> elements.
func (f *DirectFetcher) scrapeMediaURL(pageURL string, body io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", models.NewJobError(models.KindExtractor, "cannot parse page: "+err.Error())
	}

	var found string
	doc.Find(`meta[property="og:video"], meta[property="og:video:url"], meta[property="og:audio"]`).
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if content, ok := s.Attr("content"); ok && content != "" {
				found = content
				return false
			}
			return true
		})
	if found == "" {
		doc.Find("video[src], video source[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if src, ok := s.Attr("src"); ok && src != "" {
				found = src
				return false
			}
			return true
		})
	}
	if found == "" {
		return "", models.NewJobError(models.KindUnsupportedURL, "no media found on page")
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", models.NewJobError(models.KindExtractor, err.Error())
	}
	resolved, err := base.Parse(found)
	if err != nil {
		return "", models.NewJobError(models.KindExtractor, "bad media URL on page: "+err.Error())
	}
	return resolved.String(), nil
}

func copyWithProgress(ctx context.Context, dst *os.File, src io.Reader, total int64, sink func(done, total int64)) (int64, error) {
	if total <= 0 {
		total = -1
	}
	var done int64
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			return done, models.NewJobError(models.KindCancelled, "fetch cancelled")
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return done, models.NewJobError(models.KindExtractor, "write failed: "+werr.Error())
			}
			done += int64(n)
			sink(done, total)
		}
		if err == io.EOF {
			return done, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return done, models.NewJobError(models.KindCancelled, "fetch cancelled")
			}
			return done, models.NewJobError(models.KindNetwork, err.Error())
		}
	}
}

func isMediaType(contentType string) bool {
	for _, t := range mediaContentTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9-_. ]`)

func deriveFileName(rawURL, contentType string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = unsafeChars.ReplaceAllString(path.Base(u.Path), "")
	}
	if name == "" || name == "." || name == "/" || !strings.Contains(name, ".") {
		ext := contentTypeToExt[strings.SplitN(contentType, ";", 2)[0]]
		if ext == "" {
			ext = ".bin"
		}
		name = fmt.Sprintf("download_%d%s", time.Now().UnixNano(), ext)
	}
	return name
}

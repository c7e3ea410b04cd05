package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"subtitlepipe/api/dto"
	"subtitlepipe/pkg/sniff"
)

const maxRedirects = 10

// Fetcher pulls remote videos for URL-based submission. Sharing-page links
// from common hosts are rewritten to their direct-download form, and the
// response body is sniffed so an HTML interstitial never ends up in storage
// pretending to be a video.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

func NewFetcher(logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger: logger,
	}
}

// Fetch returns a validated video stream and a filename for it. The returned
// ReadCloser replays the sniffed header bytes, so the caller sees the stream
// from offset zero.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: url %q", dto.ErrInvalidInput, rawURL)
	}

	rewritten := rewriteSharingURL(u)
	if rewritten.String() != rawURL {
		f.logger.Debug("rewrote sharing url",
			zap.String("from", rawURL),
			zap.String("to", rewritten.String()),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rewritten.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", dto.ErrInvalidInput, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w", rewritten.String(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: remote returned status %d", dto.ErrInvalidInput, resp.StatusCode)
	}

	header, body, err := sniff.Reader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, "", fmt.Errorf("read remote stream: %w", err)
	}
	if sniff.LooksHTML(header) || !sniff.IsVideo(header) {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: detected container %q", dto.ErrNotAVideo, sniff.Detect(header))
	}

	return &fetchedBody{Reader: body, closer: resp.Body}, filenameFor(resp, rewritten), nil
}

type fetchedBody struct {
	io.Reader
	closer io.Closer
}

func (b *fetchedBody) Close() error { return b.closer.Close() }

// rewriteSharingURL converts known sharing-page URLs into direct-download
// ones. Unknown hosts pass through untouched.
func rewriteSharingURL(u *url.URL) *url.URL {
	out := *u

	switch {
	case strings.HasSuffix(u.Host, "dropbox.com"):
		q := out.Query()
		q.Set("dl", "1")
		out.RawQuery = q.Encode()

	case u.Host == "drive.google.com":
		// /file/d/{id}/view -> uc?export=download&id={id}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 3 && parts[0] == "file" && parts[1] == "d" {
			out.Path = "/uc"
			q := url.Values{}
			q.Set("export", "download")
			q.Set("id", parts[2])
			out.RawQuery = q.Encode()
		}
	}

	return &out
}

func filenameFor(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return name
	}
	return "video.mp4"
}

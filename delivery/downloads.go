package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/idgen"
)

// DefaultRevokeAfter keeps a download reachable long enough for the browser
// to start fetching it.
const DefaultRevokeAfter = 10 * time.Second

// Downloads publishes artifacts under short-lived tokens, the server-side
// counterpart of a browser object URL.
type Downloads struct {
	prefix      string
	revokeAfter time.Duration
	newToken    idgen.Generator
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*download
}

type download struct {
	art     *artifact.Artifact
	created time.Time
	timer   *time.Timer
}

// DownloadsOption configures Downloads.
type DownloadsOption func(*Downloads)

// WithRevokeAfter sets how long a token stays valid.
func WithRevokeAfter(d time.Duration) DownloadsOption {
	return func(s *Downloads) { s.revokeAfter = d }
}

// WithTokenGenerator overrides the token generator.
func WithTokenGenerator(g idgen.Generator) DownloadsOption {
	return func(s *Downloads) { s.newToken = g }
}

func WithDownloadsLogger(l *slog.Logger) DownloadsOption {
	return func(s *Downloads) { s.logger = l }
}

// NewDownloads serves tokens under prefix, e.g. "/downloads/".
func NewDownloads(prefix string, opts ...DownloadsOption) *Downloads {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &Downloads{
		prefix:      prefix,
		revokeAfter: DefaultRevokeAfter,
		newToken:    idgen.DownloadToken,
		logger:      slog.Default(),
		entries:     make(map[string]*download),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Deliver registers a and returns its download URL as Location. The token
// is revoked after the configured delay.
func (s *Downloads) Deliver(ctx context.Context, a *artifact.Artifact) Outcome {
	return guard("downloads", a, func() Outcome {
		if err := ctx.Err(); err != nil {
			return failed("downloads", a, err)
		}
		token := s.newToken()

		s.mu.Lock()
		d := &download{art: a, created: time.Now()}
		d.timer = time.AfterFunc(s.revokeAfter, func() { s.Revoke(token) })
		s.entries[token] = d
		s.mu.Unlock()

		s.logger.Debug("delivery: download published", "token", token, "file", a.FileName, "ttl", s.revokeAfter)
		return Outcome{Delivered: true, Location: s.prefix + token}
	})
}

// Revoke releases token early. Unknown tokens are ignored.
func (s *Downloads) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.entries[token]; ok {
		d.timer.Stop()
		delete(s.entries, token)
	}
}

// Lookup returns the artifact behind token, if still published.
func (s *Downloads) Lookup(token string) (*artifact.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[token]
	if !ok {
		return nil, false
	}
	return d.art, true
}

// Len reports the number of live tokens.
func (s *Downloads) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close revokes every token.
func (s *Downloads) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, d := range s.entries {
		d.timer.Stop()
		delete(s.entries, token)
	}
	return nil
}

// ServeToken writes the artifact behind token as an attachment.
func (s *Downloads) ServeToken(w http.ResponseWriter, r *http.Request, token string) {
	s.mu.Lock()
	d, ok := s.entries[token]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	a := d.art
	w.Header().Set("Content-Type", a.Blob.MIME)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.FileName}))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, a.FileName, d.created, bytes.NewReader(a.Blob.Data))
}

// ServeHTTP serves requests whose path is prefix + token.
func (s *Downloads) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.URL.Path, s.prefix)
	if !ok || token == "" || strings.Contains(token, "/") {
		http.NotFound(w, r)
		return
	}
	s.ServeToken(w, r, token)
}

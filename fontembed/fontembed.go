// Package fontembed resolves the card typeface into an inline @font-face
// declaration so capture never depends on a network fetch.
//
// The font is fetched once from /fonts/<name>.ttf, validated as an sfnt
// file, base64-encoded in 32 KiB chunks and cached for the process lifetime.
// A failed resolution is not fatal: callers proceed with fallback fonts.
package fontembed

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font/sfnt"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/typenote/internal/safefile"
)

// ChunkSize is the read size fed to the base64 encoder.
const ChunkSize = 32 << 10

// MaxFontBytes caps the font download.
const MaxFontBytes int64 = 16 << 20

// Spec is an embeddable font: its family, raw binary and the ready-to-inject
// CSS block.
type Spec struct {
	Name    string
	Family  string
	Payload []byte
	CSS     string
}

// Path returns the fixed static path of a font asset.
func Path(name string) string {
	return "/fonts/" + name + ".ttf"
}

// Source fetches the font binary at a static path.
type Source interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// HTTPSource fetches fonts from an HTTP origin.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// Fetch GETs BaseURL+path.
func (s *HTTPSource) Fetch(ctx context.Context, path string) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fontembed: new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fontembed: fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fontembed: fetch %s: status %d", path, resp.StatusCode)
	}
	return safefile.ReadCapped(resp.Body, MaxFontBytes)
}

// FSSource reads fonts from a filesystem rooted at the static directory.
type FSSource struct {
	FS fs.FS
}

// Fetch reads path (leading slash stripped) from FS.
func (s *FSSource) Fetch(_ context.Context, path string) ([]byte, error) {
	f, err := s.FS.Open(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("fontembed: open %s: %w", path, err)
	}
	defer f.Close()
	return safefile.ReadCapped(f, MaxFontBytes)
}

// ErrInvalidFont is returned when the payload is not a parsable sfnt font.
type ErrInvalidFont struct {
	Name  string
	Cause error
}

func (e *ErrInvalidFont) Error() string {
	return fmt.Sprintf("fontembed: invalid font %s: %v", e.Name, e.Cause)
}

func (e *ErrInvalidFont) Unwrap() error { return e.Cause }

// Resolver caches the embeddable font. Safe for concurrent use.
type Resolver struct {
	src    Source
	name   string
	family string
	logger *slog.Logger

	mu    sync.Mutex
	spec  *Spec
	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFamily sets the CSS family name. When unset, the family is read from
// the font's name table.
func WithFamily(family string) Option {
	return func(r *Resolver) { r.family = family }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver for the font called name (without extension).
func New(src Source, name string, opts ...Option) *Resolver {
	r := &Resolver{src: src, name: name, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the cached Spec, fetching it on first use. The second
// return is false when the font could not be fetched or decoded; the
// failure is logged and retried on the next call.
func (r *Resolver) Resolve(ctx context.Context) (*Spec, bool) {
	r.mu.Lock()
	if r.spec != nil {
		spec := r.spec
		r.mu.Unlock()
		return spec, true
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(r.name, func() (any, error) {
		r.mu.Lock()
		if r.spec != nil {
			spec := r.spec
			r.mu.Unlock()
			return spec, nil
		}
		r.mu.Unlock()

		spec, err := r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.spec = spec
		r.mu.Unlock()
		return spec, nil
	})
	if err != nil {
		r.logger.Warn("fontembed: font unavailable, continuing with fallback fonts",
			"font", r.name, "error", err)
		return nil, false
	}
	return v.(*Spec), true
}

// Cached returns the resolved spec without triggering a fetch.
func (r *Resolver) Cached() *Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

func (r *Resolver) load(ctx context.Context) (*Spec, error) {
	payload, err := r.src.Fetch(ctx, Path(r.name))
	if err != nil {
		return nil, err
	}

	font, err := sfnt.Parse(payload)
	if err != nil {
		return nil, &ErrInvalidFont{Name: r.name, Cause: err}
	}

	family := r.family
	if family == "" {
		family, err = font.Name(nil, sfnt.NameIDFamily)
		if err != nil || family == "" {
			family = r.name
		}
	}

	encoded, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	r.logger.Info("fontembed: font resolved",
		"font", r.name, "family", family, "bytes", len(payload), "glyphs", font.NumGlyphs())

	return &Spec{
		Name:    r.name,
		Family:  family,
		Payload: payload,
		CSS:     FaceCSS(family, encoded),
	}, nil
}

// Encode base64-encodes payload by streaming ChunkSize reads through the
// encoder, so no single conversion holds more than one chunk of input.
func Encode(payload []byte) (string, error) {
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(payload)))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(onlyWriter{enc}, onlyReader{bytes.NewReader(payload)}, buf); err != nil {
		return "", fmt.Errorf("fontembed: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("fontembed: encode: %w", err)
	}
	return sb.String(), nil
}

// FaceCSS builds the @font-face block embedding a base64 TrueType payload.
func FaceCSS(family, base64Payload string) string {
	var sb strings.Builder
	sb.WriteString("@font-face {\n")
	fmt.Fprintf(&sb, "  font-family: '%s';\n", strings.ReplaceAll(family, "'", "\\'"))
	sb.WriteString("  src: url(data:font/ttf;base64,")
	sb.WriteString(base64Payload)
	sb.WriteString(") format('truetype');\n")
	sb.WriteString("  font-weight: normal;\n  font-style: normal;\n  font-display: block;\n}\n")
	return sb.String()
}

// onlyReader and onlyWriter hide ReadFrom/WriteTo so io.CopyBuffer really
// goes through the chunk buffer.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

type onlyWriter struct{ w io.Writer }

func (o onlyWriter) Write(p []byte) (int, error) { return o.w.Write(p) }

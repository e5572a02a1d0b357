// Package export orchestrates one note-card export: render the card page,
// rasterize it for the client's strategy, package and deliver the artifact.
// At most one export runs at a time.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/delivery"
	"github.com/hazyhaar/typenote/idgen"
	"github.com/hazyhaar/typenote/kit"
	"github.com/hazyhaar/typenote/notecard"
	"github.com/hazyhaar/typenote/observability"
	"github.com/hazyhaar/typenote/raster"
)

// ErrExportInFlight is returned when an export is requested while another
// one is still running. The rejected request has no effect.
var ErrExportInFlight = errors.New("export: another export is in flight")

// ErrNothingToRedeliver is returned by Redeliver before any artifact exists.
var ErrNothingToRedeliver = errors.New("export: no artifact to redeliver")

// ErrInvalidRequest wraps a request that cannot be rendered.
type ErrInvalidRequest struct {
	Field string
	Cause error
}

func (e *ErrInvalidRequest) Error() string {
	return fmt.Sprintf("export: invalid %s: %v", e.Field, e.Cause)
}

func (e *ErrInvalidRequest) Unwrap() error { return e.Cause }

// Output formats.
const (
	FormatPNG = "png"
	FormatPDF = "pdf"
)

// Request is one export. Env identifies the requesting client.
type Request struct {
	Title            string           `json:"title"`
	Year             int              `json:"year"`
	Size             string           `json:"size,omitempty"`
	Blocks           []notecard.Block `json:"blocks"`
	Width            int              `json:"width,omitempty"`
	Height           int              `json:"height,omitempty"`
	Format           string           `json:"format,omitempty"`
	DevicePixelRatio float64          `json:"device_pixel_ratio,omitempty"`
	Env              capability.Env   `json:"-"`
}

// Response describes a delivered export.
type Response struct {
	ExportID  string  `json:"export_id"`
	FileName  string  `json:"file_name"`
	Location  string  `json:"location"`
	Strategy  string  `json:"strategy"`
	Platform  string  `json:"platform"`
	Density   float64 `json:"density"`
	Attempts  int     `json:"attempts"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Bytes     int     `json:"bytes"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// Deliverer routes an artifact by strategy. *delivery.Router implements it.
type Deliverer interface {
	DeliverFor(ctx context.Context, s capability.Strategy, a *artifact.Artifact) delivery.Outcome
}

type lastExport struct {
	artifact *artifact.Artifact
	strategy capability.Strategy
	resp     Response
}

// Service runs exports one at a time.
type Service struct {
	opener     raster.Opener
	engine     *raster.Engine
	deliver    Deliverer
	fonts      raster.FontResolver
	metrics    *observability.Metrics
	exports    *observability.ExportLog
	logger     *slog.Logger
	timeout    time.Duration
	prefix     string
	format     string
	size       notecard.Size
	thumbWidth int
	now        func() time.Time
	newID      idgen.Generator

	busy atomic.Bool
	mu   sync.Mutex
	last *lastExport
}

// Option configures a Service.
type Option func(*Service)

// WithFonts inlines the resolved font into the card document.
func WithFonts(r raster.FontResolver) Option {
	return func(s *Service) { s.fonts = r }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithExportLog(l *observability.ExportLog) Option {
	return func(s *Service) { s.exports = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTimeout bounds a whole export, delivery included. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithFilePrefix sets the file name prefix. Default: "YearlyNote".
func WithFilePrefix(p string) Option {
	return func(s *Service) { s.prefix = p }
}

// WithDefaultFormat sets the format used when a request names none.
func WithDefaultFormat(f string) Option {
	return func(s *Service) { s.format = f }
}

// WithDefaultSize sets the card preset used when a request names none.
func WithDefaultSize(sz notecard.Size) Option {
	return func(s *Service) { s.size = sz }
}

// WithThumbnailWidth adds a PNG preview of that width to each response.
// Zero disables previews.
func WithThumbnailWidth(w int) Option {
	return func(s *Service) { s.thumbWidth = w }
}

// WithClock overrides time.Now, for the card date and the export log.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator sets the generator of export IDs.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Service) { s.newID = g }
}

// New creates a Service.
func New(opener raster.Opener, engine *raster.Engine, d Deliverer, opts ...Option) *Service {
	s := &Service{
		opener:  opener,
		engine:  engine,
		deliver: d,
		logger:  slog.Default(),
		timeout: 60 * time.Second,
		prefix:  "YearlyNote",
		format:  FormatPNG,
		size:    notecard.Square,
		now:     time.Now,
		newID:   idgen.ExportID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Busy reports whether an export is running.
func (s *Service) Busy() bool { return s.busy.Load() }

// Export renders, rasterizes and delivers req. It fails with
// ErrExportInFlight when another export is running, *raster.ErrRenderFailed
// when no artifact could be produced and *delivery.ErrDeliveryFailed when
// only delivery failed; in that last case the response is returned too and
// Redeliver can retry.
func (s *Service) Export(ctx context.Context, req Request) (*Response, error) {
	strategy := capability.Classify(req.Env)
	if !s.busy.CompareAndSwap(false, true) {
		s.reject(strategy)
		return nil, ErrExportInFlight
	}
	defer s.busy.Store(false)

	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry := &observability.ExportEntry{
		ExportID:  s.newID(),
		Timestamp: start,
		RequestID: kit.OriginFrom(ctx).RequestID,
		Strategy:  strategy.String(),
	}
	resp, err := s.run(ctx, strategy, req, entry)
	entry.DurationMs = s.now().Sub(start).Milliseconds()
	s.finish(ctx, entry, err)
	if resp != nil {
		resp.ExportID = entry.ExportID
	}
	return resp, err
}

func (s *Service) run(ctx context.Context, strategy capability.Strategy, req Request, entry *observability.ExportEntry) (*Response, error) {
	card, format, err := s.card(ctx, req)
	if err != nil {
		entry.Status = observability.StatusRejected
		return nil, err
	}
	entry.Format = format

	html, err := notecard.Render(card)
	if err != nil {
		entry.Status = observability.StatusRejected
		return nil, &ErrInvalidRequest{Field: "card", Cause: err}
	}

	vw, vh := card.Size.Dimensions()
	page, err := s.opener.Open(ctx, raster.PageSpec{
		HTML:             html,
		Selector:         notecard.Selector,
		UserAgent:        req.Env.UserAgent,
		DevicePixelRatio: req.DevicePixelRatio,
		ViewportWidth:    vw,
		ViewportHeight:   vh,
	})
	if err != nil {
		entry.Status = observability.StatusRenderFailed
		return nil, &raster.ErrRenderFailed{Strategy: strategy, Cause: fmt.Errorf("open page: %w", err)}
	}
	defer func() {
		if err := page.Close(); err != nil {
			s.logger.Warn("export: close page", "error", err)
		}
	}()

	node, err := page.Node(ctx, notecard.Selector)
	if err != nil {
		entry.Status = observability.StatusRenderFailed
		return nil, &raster.ErrRenderFailed{Strategy: strategy, Cause: fmt.Errorf("locate card: %w", err)}
	}

	res, err := s.engine.Rasterize(ctx, strategy, raster.Request{
		Doc:          page,
		Node:         node,
		Capture:      page,
		FileNameStem: card.Stem(s.prefix),
		Width:        req.Width,
		Height:       req.Height,
	})
	if err != nil {
		entry.Status = observability.StatusRenderFailed
		var rf *raster.ErrRenderFailed
		if errors.As(err, &rf) {
			entry.Attempts = len(rf.Attempts)
		}
		return nil, err
	}
	entry.Density, entry.Attempts = res.Density, len(res.Attempts)
	entry.Width, entry.Height = res.Width, res.Height

	a := res.Artifact
	if format == FormatPDF {
		if a, err = artifact.ToPDF(res.Artifact); err != nil {
			entry.Status = observability.StatusRenderFailed
			return nil, &raster.ErrRenderFailed{Strategy: strategy, Attempts: res.Attempts, Cause: err}
		}
	}
	entry.FileName = a.FileName
	entry.Bytes = len(a.Blob.Data)

	resp := &Response{
		FileName: a.FileName,
		Strategy: strategy.String(),
		Platform: capability.Platform(req.Env),
		Density:  res.Density,
		Attempts: len(res.Attempts),
		Width:    res.Width,
		Height:   res.Height,
		Bytes:    len(a.Blob.Data),
	}
	if s.thumbWidth > 0 {
		if thumb, err := artifact.Thumbnail(res.Artifact.Blob, s.thumbWidth); err != nil {
			s.logger.Warn("export: thumbnail", "error", err)
		} else {
			resp.Thumbnail = artifact.EncodeDataURI(thumb.MIME, thumb.Data)
		}
	}

	s.mu.Lock()
	s.last = &lastExport{artifact: a, strategy: strategy, resp: *resp}
	s.mu.Unlock()

	return s.deliverTo(ctx, strategy, a, resp, entry)
}

func (s *Service) deliverTo(ctx context.Context, strategy capability.Strategy, a *artifact.Artifact, resp *Response, entry *observability.ExportEntry) (*Response, error) {
	out := s.deliver.DeliverFor(ctx, strategy, a)
	if out.Err != nil {
		entry.Status = observability.StatusDeliveryFailed
		return resp, out.Err
	}
	resp.Location = out.Location
	entry.Location = out.Location
	entry.Status = observability.StatusDelivered
	return resp, nil
}

// Redeliver delivers the last produced artifact again without
// re-rasterizing. It shares the single-flight gate with Export.
func (s *Service) Redeliver(ctx context.Context) (*Response, error) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return nil, ErrNothingToRedeliver
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.reject(last.strategy)
		return nil, ErrExportInFlight
	}
	defer s.busy.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	resp := last.resp
	resp.Location = ""
	entry := &observability.ExportEntry{
		ExportID:  s.newID(),
		Timestamp: start,
		RequestID: kit.OriginFrom(ctx).RequestID,
		Strategy:  last.strategy.String(),
		Density:   resp.Density,
		Width:     resp.Width,
		Height:    resp.Height,
		Format:    formatOf(last.artifact),
		FileName:  last.artifact.FileName,
		Bytes:     resp.Bytes,
	}
	out, err := s.deliverTo(ctx, last.strategy, last.artifact, &resp, entry)
	entry.DurationMs = s.now().Sub(start).Milliseconds()
	s.finish(ctx, entry, err)
	if out != nil {
		out.ExportID = entry.ExportID
	}
	return out, err
}

func (s *Service) card(ctx context.Context, req Request) (notecard.Card, string, error) {
	if len(req.Blocks) == 0 {
		return notecard.Card{}, "", &ErrInvalidRequest{Field: "blocks", Cause: errors.New("at least one block is required")}
	}
	if req.Width < 0 || req.Height < 0 {
		return notecard.Card{}, "", &ErrInvalidRequest{Field: "dimensions", Cause: errors.New("must not be negative")}
	}
	size := s.size
	if req.Size != "" {
		parsed, err := notecard.ParseSize(req.Size)
		if err != nil {
			return notecard.Card{}, "", &ErrInvalidRequest{Field: "size", Cause: err}
		}
		size = parsed
	}
	format := req.Format
	if format == "" {
		format = s.format
	}
	if format != FormatPNG && format != FormatPDF {
		return notecard.Card{}, "", &ErrInvalidRequest{Field: "format", Cause: fmt.Errorf("unsupported %q", format)}
	}

	now := s.now()
	year := req.Year
	if year == 0 {
		year = now.Year()
	}
	card := notecard.Card{
		Title:  req.Title,
		Year:   year,
		Size:   size,
		Blocks: req.Blocks,
		Date:   now,
	}
	if s.fonts != nil {
		if spec, ok := s.fonts.Resolve(ctx); ok {
			card.FontCSS, card.FontFamily = spec.CSS, spec.Family
		}
	}
	return card, format, nil
}

func (s *Service) reject(strategy capability.Strategy) {
	s.logger.Warn("export: rejected, another export is in flight", "strategy", strategy.String())
	if s.metrics != nil {
		s.metrics.ObserveRejected(strategy.String())
	}
}

func (s *Service) finish(ctx context.Context, e *observability.ExportEntry, err error) {
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	if s.exports != nil {
		s.exports.Log(context.WithoutCancel(ctx), e)
	}

	attrs := []any{
		"export_id", e.ExportID,
		"strategy", e.Strategy,
		"status", e.Status,
		"attempts", e.Attempts,
		"duration_ms", e.DurationMs,
	}
	if err != nil {
		s.logger.Error("export: failed", append(attrs, "error", err)...)
	} else {
		s.logger.Info("export: delivered", append(attrs, "file", e.FileName, "location", e.Location)...)
	}

	if s.metrics != nil {
		s.metrics.ObserveExport(e)
	}
}

func formatOf(a *artifact.Artifact) string {
	if a.Blob.MIME == "application/pdf" {
		return FormatPDF
	}
	return FormatPNG
}

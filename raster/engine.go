// Package raster turns a live, styled, scrollable node into a PNG.
//
// The Engine drives a Capturer through a descending density ladder and
// falls back to a canvas primitive for browsers whose DOM capture is known
// to produce blank output. Every temporary change it makes to the document
// or the node is undone before Rasterize returns.
package raster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/fontembed"
)

const (
	MinDensity = 1.0
	MaxDensity = 2.0

	DefaultBackground     = "#fdfbf7"
	DefaultFontFamily     = "Special Elite"
	DefaultFontWait       = 3 * time.Second
	DefaultAttemptTimeout = 20 * time.Second
)

// DefaultLadder is tried after the device density, keeping only values
// below it.
var DefaultLadder = []float64{1.75, 1.5, 1.25, 1.0}

// NoClip are the overrides applied to the captured clone so that no content
// is cut by max sizes, margins or positioning.
var NoClip = Style{
	"max-width":  "none",
	"max-height": "none",
	"overflow":   "visible",
	"margin":     "0",
	"position":   "static",
}

// restricted lists the inline properties the canvas path overrides.
var restricted = []string{"width", "height", "overflow"}

// FontResolver yields the embeddable font, if any.
type FontResolver interface {
	Resolve(ctx context.Context) (*fontembed.Spec, bool)
}

// Request is one rasterization job.
type Request struct {
	Doc          Document
	Node         Node
	Capture      Capturer
	FileNameStem string
	// Width and Height override the node's scroll extent when positive.
	Width  int
	Height int
}

// Attempt records one capture attempt.
type Attempt struct {
	Density float64
	Err     error
}

// Result is a successful rasterization.
type Result struct {
	Artifact *artifact.Artifact
	Density  float64
	Attempts []Attempt
	Width    int
	Height   int
}

// ErrRenderFailed is returned when every capture attempt failed or the node
// could not be measured. No artifact is produced.
type ErrRenderFailed struct {
	Strategy capability.Strategy
	Attempts []Attempt
	Cause    error
}

func (e *ErrRenderFailed) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("raster: render failed (%s): %v", e.Strategy, e.Cause)
	}
	return fmt.Sprintf("raster: render failed (%s) after %d attempts: %v",
		e.Strategy, len(e.Attempts), e.Unwrap())
}

func (e *ErrRenderFailed) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	if n := len(e.Attempts); n > 0 {
		return e.Attempts[n-1].Err
	}
	return nil
}

// Engine rasterizes nodes. It is safe for concurrent use; callers decide
// how many exports may run at once.
type Engine struct {
	ladder         []float64
	background     string
	family         string
	fontWait       time.Duration
	attemptTimeout time.Duration
	fonts          FontResolver
	logger         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLadder replaces the fallback densities tried after the device density.
func WithLadder(densities ...float64) Option {
	return func(e *Engine) { e.ladder = append([]float64(nil), densities...) }
}

func WithBackground(color string) Option {
	return func(e *Engine) { e.background = color }
}

// WithFontFamily sets the family probed when no embedded font resolved.
func WithFontFamily(family string) Option {
	return func(e *Engine) { e.family = family }
}

func WithFontWait(d time.Duration) Option {
	return func(e *Engine) { e.fontWait = d }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) { e.attemptTimeout = d }
}

func WithFonts(r FontResolver) Option {
	return func(e *Engine) { e.fonts = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine with the default ladder and timeouts.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		ladder:         DefaultLadder,
		background:     DefaultBackground,
		family:         DefaultFontFamily,
		fontWait:       DefaultFontWait,
		attemptTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Rasterize captures req.Node with the given strategy.
func (e *Engine) Rasterize(ctx context.Context, strategy capability.Strategy, req Request) (*Result, error) {
	if req.Doc == nil || req.Node == nil || req.Capture == nil {
		return nil, errors.New("raster: request needs a document, a node and a capturer")
	}

	if err := req.Doc.SetExportMode(ctx, true); err != nil {
		e.logger.Warn("raster: enter export mode", "error", err)
	}
	defer func() {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if err := req.Doc.SetExportMode(cctx, false); err != nil {
			e.logger.Warn("raster: leave export mode", "error", err)
		}
	}()

	var fontCSS, family string
	if e.fonts != nil {
		if spec, ok := e.fonts.Resolve(ctx); ok {
			fontCSS, family = spec.CSS, spec.Family
		}
	}
	if family == "" {
		family = e.family
	}
	e.awaitFonts(ctx, req, family)

	width, height, err := e.dimensions(ctx, req)
	if err != nil {
		return nil, &ErrRenderFailed{Strategy: strategy, Cause: err}
	}

	density := MinDensity
	if dpr, err := req.Doc.DevicePixelRatio(ctx); err != nil {
		e.logger.Debug("raster: device pixel ratio unavailable", "error", err)
	} else {
		density = ClampDensity(dpr)
	}

	var (
		dataURI  string
		used     float64
		attempts []Attempt
	)
	switch strategy {
	case capability.RestrictedBrowserCapture:
		dataURI, used, attempts, err = e.captureRestricted(ctx, req, width, height, density)
	default:
		dataURI, used, attempts, err = e.captureLadder(ctx, req, width, height, density, fontCSS)
	}
	if err != nil {
		return nil, &ErrRenderFailed{Strategy: strategy, Attempts: attempts, Cause: err}
	}

	a, err := artifact.New(dataURI, req.FileNameStem)
	if err != nil {
		return nil, fmt.Errorf("raster: package capture: %w", err)
	}
	e.logger.Info("raster: captured",
		"strategy", strategy.String(),
		"density", used,
		"attempts", len(attempts),
		"width", width,
		"height", height,
		"bytes", len(a.Blob.Data),
	)
	return &Result{
		Artifact: a,
		Density:  used,
		Attempts: attempts,
		Width:    width,
		Height:   height,
	}, nil
}

// awaitFonts waits for web fonts and probes every size used in the node.
// Failures are logged and ignored.
func (e *Engine) awaitFonts(ctx context.Context, req Request, family string) {
	wctx, cancel := context.WithTimeout(ctx, e.fontWait)
	defer cancel()

	if err := req.Doc.FontsReady(wctx); err != nil {
		e.logger.Debug("raster: fonts not ready", "error", err)
	}
	sizes, err := req.Node.FontSizes(wctx)
	if err != nil {
		e.logger.Debug("raster: read font sizes", "error", err)
		return
	}
	for _, spec := range FontProbes(family, sizes) {
		if err := req.Doc.LoadFont(wctx, spec); err != nil {
			e.logger.Debug("raster: font probe failed", "font", spec, "error", err)
		}
	}
}

// dimensions returns the requested size, or the node's full scroll extent.
func (e *Engine) dimensions(ctx context.Context, req Request) (int, int, error) {
	w, h := req.Width, req.Height
	if w > 0 && h > 0 {
		return w, h, nil
	}
	ext, err := req.Node.Extent(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("raster: measure node: %w", err)
	}
	if w <= 0 {
		w = int(math.Ceil(ext.ScrollWidth))
	}
	if h <= 0 {
		h = int(math.Ceil(ext.ScrollHeight))
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("raster: node has empty extent %dx%d", w, h)
	}
	return w, h, nil
}

func (e *Engine) captureLadder(ctx context.Context, req Request, width, height int, density float64, fontCSS string) (string, float64, []Attempt, error) {
	var attempts []Attempt
	for _, d := range Ladder(density, e.ladder) {
		if err := ctx.Err(); err != nil {
			return "", 0, attempts, err
		}
		actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		uri, err := req.Capture.CaptureDOM(actx, req.Node, DOMOptions{
			Width:      width,
			Height:     height,
			Density:    d,
			Background: e.background,
			Overrides:  NoClip.Clone(),
			FontCSS:    fontCSS,
		})
		cancel()
		if err == nil {
			err = checkCapture(uri)
		}
		if err == nil {
			attempts = append(attempts, Attempt{Density: d})
			return uri, d, attempts, nil
		}
		e.logger.Warn("raster: capture attempt failed", "density", d, "error", err)
		attempts = append(attempts, Attempt{Density: d, Err: err})
	}
	if len(attempts) == 0 {
		return "", 0, nil, errors.New("raster: empty density ladder")
	}
	return "", 0, attempts, attempts[len(attempts)-1].Err
}

func (e *Engine) captureRestricted(ctx context.Context, req Request, width, height int, density float64) (uri string, used float64, attempts []Attempt, err error) {
	saved, err := req.Node.Style(ctx, restricted...)
	if err != nil {
		return "", 0, []Attempt{{Density: density, Err: err}}, err
	}
	defer func() {
		rctx, cancel := cleanupContext(ctx)
		defer cancel()
		if rerr := req.Node.SetStyle(rctx, saved); rerr != nil {
			e.logger.Error("raster: restore node style", "error", rerr)
		}
	}()

	forced := Style{
		"width":    strconv.Itoa(width) + "px",
		"height":   strconv.Itoa(height) + "px",
		"overflow": "visible",
	}
	if err := req.Node.SetStyle(ctx, forced); err != nil {
		return "", 0, []Attempt{{Density: density, Err: err}}, err
	}

	scale := math.Min(density, MaxDensity)
	actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()
	uri, err = req.Capture.CaptureCanvas(actx, req.Node, CanvasOptions{
		Width:      width,
		Height:     height,
		Scale:      scale,
		Background: e.background,
	})
	if err == nil {
		err = checkCapture(uri)
	}
	if err != nil {
		e.logger.Warn("raster: canvas capture failed", "scale", scale, "error", err)
		return "", 0, []Attempt{{Density: scale, Err: err}}, err
	}
	return uri, scale, []Attempt{{Density: scale}}, nil
}

// checkCapture rejects a capture that is not a decodable, non-empty image.
func checkCapture(uri string) error {
	b, err := artifact.ToBlob(uri)
	if err != nil {
		return err
	}
	w, h, err := b.Dimensions()
	if err != nil {
		return err
	}
	if w == 0 || h == 0 {
		return fmt.Errorf("raster: capture decoded to %dx%d", w, h)
	}
	return nil
}

// ClampDensity bounds d to [MinDensity, MaxDensity]. Non-finite and
// non-positive values become MinDensity.
func ClampDensity(d float64) float64 {
	switch {
	case math.IsNaN(d) || math.IsInf(d, 0) || d <= 0:
		return MinDensity
	case d < MinDensity:
		return MinDensity
	case d > MaxDensity:
		return MaxDensity
	}
	return d
}

// Ladder returns the clamped device density followed by every fallback
// strictly below it, in descending order.
func Ladder(device float64, fallback []float64) []float64 {
	first := ClampDensity(device)
	out := []float64{first}
	rest := append([]float64(nil), fallback...)
	sort.Sort(sort.Reverse(sort.Float64Slice(rest)))
	for _, d := range rest {
		if d < out[len(out)-1] && d >= MinDensity {
			out = append(out, d)
		}
	}
	return out
}

// FontProbes returns one CSS font shorthand per distinct size, smallest first.
func FontProbes(family string, sizes []float64) []string {
	seen := make(map[float64]bool, len(sizes))
	uniq := make([]float64, 0, len(sizes))
	for _, s := range sizes {
		if s <= 0 || math.IsNaN(s) || seen[s] {
			continue
		}
		seen[s] = true
		uniq = append(uniq, s)
	}
	sort.Float64s(uniq)
	out := make([]string, len(uniq))
	for i, s := range uniq {
		out[i] = strconv.FormatFloat(s, 'f', -1, 64) + "px '" + family + "'"
	}
	return out
}

// cleanupContext keeps values from ctx but survives its cancellation, so
// restores run even when the caller gave up.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

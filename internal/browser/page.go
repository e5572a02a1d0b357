package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/raster"
)

// ExportModeClass is toggled on <body> while a capture is running.
const ExportModeClass = "is-exporting"

const captureStyleID = "__typenote_capture"

var (
	_ raster.Opener = (*Manager)(nil)
	_ raster.Page   = (*Canvas)(nil)
	_ raster.Node   = (*Element)(nil)
)

// Canvas is one Chrome page holding a rendered note card. It implements
// raster.Page.
type Canvas struct {
	page     *rod.Page
	router   *rod.HijackRouter
	viewport proto.EmulationSetDeviceMetricsOverride
	mgr      *Manager
	once     sync.Once
}

// Open creates a page, applies user agent, viewport and resource blocking,
// and loads spec.HTML into it.
func (m *Manager) Open(ctx context.Context, spec raster.PageSpec) (raster.Page, error) {
	b, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		m.release(-1)
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	c := &Canvas{page: page, mgr: m}

	if !m.blocked.empty() {
		c.router = m.blocked.intercept(page)
	}

	if spec.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: spec.UserAgent}); err != nil {
			m.cfg.Logger.Warn("browser: set user agent", "error", err)
		}
	}

	c.viewport = proto.EmulationSetDeviceMetricsOverride{
		Width:             orDefault(spec.ViewportWidth, 1280),
		Height:            orDefault(spec.ViewportHeight, 800),
		DeviceScaleFactor: spec.DevicePixelRatio,
	}
	if c.viewport.DeviceScaleFactor <= 0 {
		c.viewport.DeviceScaleFactor = 1
	}
	if err := page.SetViewport(&c.viewport); err != nil {
		c.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	defer cancel()

	if err := page.Context(loadCtx).SetDocumentContent(spec.HTML); err != nil {
		c.Close()
		return nil, fmt.Errorf("browser: load card: %w", err)
	}
	if err := page.Context(loadCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load timeout", "error", err)
	}

	return c, nil
}

// Node returns the element matching selector.
func (c *Canvas) Node(ctx context.Context, selector string) (raster.Node, error) {
	el, err := c.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: find %s: %w", selector, err)
	}
	return &Element{el: el}, nil
}

// SetExportMode toggles ExportModeClass on <body>.
func (c *Canvas) SetExportMode(ctx context.Context, on bool) error {
	_, err := c.page.Context(ctx).Eval(`(cls, on) => document.body.classList.toggle(cls, on)`, ExportModeClass, on)
	if err != nil {
		return fmt.Errorf("browser: export mode: %w", err)
	}
	return nil
}

func (c *Canvas) FontsReady(ctx context.Context) error {
	_, err := c.page.Context(ctx).Eval(`() => document.fonts.ready.then(() => true)`)
	if err != nil {
		return fmt.Errorf("browser: fonts ready: %w", err)
	}
	return nil
}

// LoadFont asks the document to materialise the face matching spec.
func (c *Canvas) LoadFont(ctx context.Context, spec string) error {
	res, err := c.page.Context(ctx).Eval(`(spec) => document.fonts.load(spec).then(faces => faces.length)`, spec)
	if err != nil {
		return fmt.Errorf("browser: load font %q: %w", spec, err)
	}
	if res.Value.Int() == 0 {
		return fmt.Errorf("browser: no face matches %q", spec)
	}
	return nil
}

func (c *Canvas) DevicePixelRatio(ctx context.Context) (float64, error) {
	res, err := c.page.Context(ctx).Eval(`() => window.devicePixelRatio`)
	if err != nil {
		return 0, fmt.Errorf("browser: device pixel ratio: %w", err)
	}
	return res.Value.Num(), nil
}

// CaptureDOM renders the element at opts.Density with the no-clip overrides
// and the embedded font applied, then screenshots its full box, including
// the part outside the viewport.
func (c *Canvas) CaptureDOM(ctx context.Context, n raster.Node, opts raster.DOMOptions) (string, error) {
	el, ok := n.(*Element)
	if !ok {
		return "", fmt.Errorf("browser: node %T does not belong to this page", n)
	}
	page := c.page.Context(ctx)

	override := opts.Overrides.Clone()
	override["width"] = fmt.Sprintf("%dpx", opts.Width)
	override["height"] = fmt.Sprintf("%dpx", opts.Height)
	override["box-sizing"] = "border-box"
	if opts.Background != "" {
		override["background-color"] = opts.Background
	}

	keys := make([]string, 0, len(override))
	for k := range override {
		keys = append(keys, k)
	}
	saved, err := el.Style(ctx, keys...)
	if err != nil {
		return "", err
	}
	defer el.SetStyle(context.WithoutCancel(ctx), saved)
	if err := el.SetStyle(ctx, override); err != nil {
		return "", err
	}

	if opts.FontCSS != "" {
		if _, err := page.Eval(`(id, css) => {
			const s = document.createElement('style');
			s.id = id;
			s.textContent = css;
			document.head.appendChild(s);
			return document.fonts.ready.then(() => true);
		}`, captureStyleID, opts.FontCSS); err != nil {
			return "", fmt.Errorf("browser: inject font: %w", err)
		}
		defer c.page.Eval(`(id) => { const s = document.getElementById(id); if (s) s.remove(); }`, captureStyleID)
	}

	metrics := c.viewport
	metrics.DeviceScaleFactor = opts.Density
	if err := page.SetViewport(&metrics); err != nil {
		return "", fmt.Errorf("browser: density %.2f: %w", opts.Density, err)
	}
	defer c.page.SetViewport(&c.viewport)

	box, err := el.el.Context(ctx).Eval(`() => {
		const r = this.getBoundingClientRect();
		return {x: r.left + window.scrollX, y: r.top + window.scrollY};
	}`)
	if err != nil {
		return "", fmt.Errorf("browser: element box: %w", err)
	}

	shot, err := proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      box.Value.Get("x").Num(),
			Y:      box.Value.Get("y").Num(),
			Width:  float64(opts.Width),
			Height: float64(opts.Height),
			Scale:  1,
		},
		FromSurface:           true,
		CaptureBeyondViewport: true,
	}.Call(page)
	if err != nil {
		return "", fmt.Errorf("browser: screenshot at %.2fx: %w", opts.Density, err)
	}
	if len(shot.Data) == 0 {
		return "", fmt.Errorf("browser: empty screenshot at %.2fx", opts.Density)
	}
	return artifact.EncodeDataURI("image/png", shot.Data), nil
}

// CaptureCanvas resizes the viewport to the target box at opts.Scale and
// screenshots the element as painted. The caller is responsible for the
// element's own box.
func (c *Canvas) CaptureCanvas(ctx context.Context, n raster.Node, opts raster.CanvasOptions) (string, error) {
	el, ok := n.(*Element)
	if !ok {
		return "", fmt.Errorf("browser: node %T does not belong to this page", n)
	}
	page := c.page.Context(ctx)

	if opts.Background != "" {
		res, err := page.Eval(`(bg) => {
			const s = document.documentElement.style;
			const prev = {v: s.getPropertyValue('background-color'), p: s.getPropertyPriority('background-color')};
			s.setProperty('background-color', bg);
			return prev;
		}`, opts.Background)
		if err != nil {
			return "", fmt.Errorf("browser: background: %w", err)
		}
		prev := joinPriority(res.Value.Get("v").Str(), res.Value.Get("p").Str())
		defer c.restoreBackground(prev)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: opts.Scale,
	}); err != nil {
		return "", fmt.Errorf("browser: canvas viewport: %w", err)
	}
	defer c.page.SetViewport(&c.viewport)

	data, err := el.el.Context(ctx).Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return "", fmt.Errorf("browser: canvas capture at %.2fx: %w", opts.Scale, err)
	}
	return artifact.EncodeDataURI("image/png", data), nil
}

// restoreBackground puts back the root element's inline background-color
// as it was before a canvas capture.
func (c *Canvas) restoreBackground(prev string) {
	value, prio := splitPriority(prev)
	_, _ = c.page.Eval(`(v, p) => {
		const s = document.documentElement.style;
		if (v === '') s.removeProperty('background-color');
		else s.setProperty('background-color', v, p);
	}`, value, prio)
}

// Close closes the page, stops request interception and hands the page's
// heap size to the Manager for its recycle decision.
func (c *Canvas) Close() error {
	var err error
	c.once.Do(func() {
		heap := int64(-1)
		if u, herr := (proto.RuntimeGetHeapUsage{}).Call(c.page); herr == nil {
			heap = int64(u.UsedSize)
		}
		if c.router != nil {
			c.router.Stop()
		}
		err = c.page.Close()
		c.mgr.release(heap)
	})
	return err
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

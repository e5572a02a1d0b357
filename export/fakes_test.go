package export

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/delivery"
	"github.com/hazyhaar/typenote/raster"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func pngURI(w, h int) string {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)))
	return artifact.EncodeDataURI("image/png", buf.Bytes())
}

// fakeOpener hands out fakePages that report a fixed card extent.
type fakeOpener struct {
	extent raster.Extent
	// failAbove makes DOM captures fail at densities above it. Zero never fails.
	failAbove float64
	failAll   bool
	// gate, when set, blocks every capture until it is closed.
	gate chan struct{}

	mu        sync.Mutex
	specs     []raster.PageSpec
	dom       atomic.Int32
	canvas    atomic.Int32
	closed    atomic.Int32
	started   chan struct{}
	onceStart sync.Once
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		extent:  raster.Extent{ScrollWidth: 108, ScrollHeight: 135, ClientWidth: 108, ClientHeight: 80},
		started: make(chan struct{}),
	}
}

func (o *fakeOpener) Open(_ context.Context, spec raster.PageSpec) (raster.Page, error) {
	o.mu.Lock()
	o.specs = append(o.specs, spec)
	o.mu.Unlock()
	return &fakePage{o: o, dpr: spec.DevicePixelRatio, node: &fakeNode{ext: o.extent, style: raster.Style{}}}, nil
}

func (o *fakeOpener) lastSpec() raster.PageSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.specs[len(o.specs)-1]
}

func (o *fakeOpener) wait(ctx context.Context) error {
	o.onceStart.Do(func() { close(o.started) })
	if o.gate == nil {
		return nil
	}
	select {
	case <-o.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakePage struct {
	o    *fakeOpener
	dpr  float64
	node *fakeNode
}

func (p *fakePage) SetExportMode(context.Context, bool) error         { return nil }
func (p *fakePage) FontsReady(context.Context) error                  { return nil }
func (p *fakePage) LoadFont(context.Context, string) error            { return nil }
func (p *fakePage) DevicePixelRatio(context.Context) (float64, error) { return p.dpr, nil }
func (p *fakePage) Node(context.Context, string) (raster.Node, error) { return p.node, nil }

func (p *fakePage) Close() error {
	p.o.closed.Add(1)
	return nil
}

func (p *fakePage) CaptureDOM(ctx context.Context, _ raster.Node, opts raster.DOMOptions) (string, error) {
	p.o.dom.Add(1)
	if err := p.o.wait(ctx); err != nil {
		return "", err
	}
	if p.o.failAll || (p.o.failAbove > 0 && opts.Density > p.o.failAbove) {
		return "", errors.New("out of memory")
	}
	return pngURI(opts.Width, opts.Height), nil
}

func (p *fakePage) CaptureCanvas(ctx context.Context, _ raster.Node, opts raster.CanvasOptions) (string, error) {
	p.o.canvas.Add(1)
	if err := p.o.wait(ctx); err != nil {
		return "", err
	}
	if p.o.failAll {
		return "", errors.New("blank canvas")
	}
	return pngURI(opts.Width, opts.Height), nil
}

type fakeNode struct {
	mu    sync.Mutex
	ext   raster.Extent
	style raster.Style
}

func (n *fakeNode) Extent(context.Context) (raster.Extent, error) { return n.ext, nil }
func (n *fakeNode) FontSizes(context.Context) ([]float64, error)  { return []float64{18, 24}, nil }

func (n *fakeNode) Style(_ context.Context, props ...string) (raster.Style, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := raster.Style{}
	for _, p := range props {
		out[p] = n.style[p]
	}
	return out, nil
}

func (n *fakeNode) SetStyle(_ context.Context, s raster.Style) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, v := range s {
		if v == "" {
			delete(n.style, k)
		} else {
			n.style[k] = v
		}
	}
	return nil
}

// fakeDeliverer records deliveries and fails the first failures calls.
type fakeDeliverer struct {
	mu        sync.Mutex
	failures  int
	delivered []*artifact.Artifact
	calls     int
}

func (d *fakeDeliverer) DeliverFor(_ context.Context, s capability.Strategy, a *artifact.Artifact) delivery.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures > 0 {
		d.failures--
		err := &delivery.ErrDeliveryFailed{Target: "fake", FileName: a.FileName, Cause: errors.New("disk full")}
		return delivery.Outcome{Err: err}
	}
	d.delivered = append(d.delivered, a)
	return delivery.Outcome{Delivered: true, Location: "mem://" + s.String() + "/" + a.FileName}
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

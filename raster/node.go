package raster

import "context"

// Extent is a node's box measured in CSS pixels. Scroll dimensions cover the
// full content, client dimensions only the visible part.
type Extent struct {
	ScrollWidth  float64
	ScrollHeight float64
	ClientWidth  float64
	ClientHeight float64
}

// Style maps CSS property names to inline values, with a trailing
// "!important" for important declarations. An empty value means the
// property is not set inline.
type Style map[string]string

// Clone returns an independent copy of s.
func (s Style) Clone() Style {
	out := make(Style, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Node is the visual subtree being captured.
type Node interface {
	Extent(ctx context.Context) (Extent, error)
	// FontSizes returns the distinct computed font sizes used inside the node, in px.
	FontSizes(ctx context.Context) ([]float64, error)
	// Style reads the inline values of props.
	Style(ctx context.Context, props ...string) (Style, error)
	// SetStyle applies inline values. Empty values remove the property; a
	// trailing "!important" sets the declaration priority.
	SetStyle(ctx context.Context, s Style) error
}

// Document is the runtime hosting the node.
type Document interface {
	// SetExportMode toggles the export-mode marker that lets peripheral UI
	// hide animations during capture.
	SetExportMode(ctx context.Context, on bool) error
	// FontsReady waits until every declared web font reports loaded.
	FontsReady(ctx context.Context) error
	// LoadFont explicitly requests a font using a CSS font shorthand such as
	// "18px 'Special Elite'".
	LoadFont(ctx context.Context, spec string) error
	DevicePixelRatio(ctx context.Context) (float64, error)
}

// DOMOptions configures one attempt of the primary capture primitive.
type DOMOptions struct {
	Width      int
	Height     int
	Density    float64
	Background string
	Overrides  Style
	FontCSS    string
}

// CanvasOptions configures the canvas-based capture primitive.
type CanvasOptions struct {
	Width      int
	Height     int
	Scale      float64
	Background string
}

// Capturer turns a node into an image data URI.
type Capturer interface {
	CaptureDOM(ctx context.Context, n Node, opts DOMOptions) (string, error)
	CaptureCanvas(ctx context.Context, n Node, opts CanvasOptions) (string, error)
}

// PageSpec describes a page to open for capture.
type PageSpec struct {
	HTML             string
	Selector         string
	UserAgent        string
	DevicePixelRatio float64
	ViewportWidth    int
	ViewportHeight   int
}

// Page is an opened document that can locate and capture its nodes.
type Page interface {
	Document
	Capturer
	Node(ctx context.Context, selector string) (Node, error)
	Close() error
}

// Opener opens capture pages. The browser package provides the Chrome one.
type Opener interface {
	Open(ctx context.Context, spec PageSpec) (Page, error)
}

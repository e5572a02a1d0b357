package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/typenote/raster"
)

// Element is a DOM element of a Canvas. It implements raster.Node.
type Element struct {
	el *rod.Element
}

// Extent reports the element's full content box. Fractional layout sizes
// are kept so the engine can round up.
func (e *Element) Extent(ctx context.Context) (raster.Extent, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const r = this.getBoundingClientRect();
		return {
			sw: Math.max(this.scrollWidth, r.width),
			sh: Math.max(this.scrollHeight, r.height),
			cw: this.clientWidth,
			ch: this.clientHeight,
		};
	}`)
	if err != nil {
		return raster.Extent{}, fmt.Errorf("browser: extent: %w", err)
	}
	v := res.Value
	return raster.Extent{
		ScrollWidth:  v.Get("sw").Num(),
		ScrollHeight: v.Get("sh").Num(),
		ClientWidth:  v.Get("cw").Num(),
		ClientHeight: v.Get("ch").Num(),
	}, nil
}

func (e *Element) FontSizes(ctx context.Context) ([]float64, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const sizes = new Set();
		for (const n of [this, ...this.querySelectorAll('*')]) {
			const px = parseFloat(getComputedStyle(n).fontSize);
			if (px > 0) sizes.add(px);
		}
		return [...sizes];
	}`)
	if err != nil {
		return nil, fmt.Errorf("browser: font sizes: %w", err)
	}
	arr := res.Value.Arr()
	out := make([]float64, 0, len(arr))
	for _, v := range arr {
		out = append(out, v.Num())
	}
	return out, nil
}

// Style reads inline style values; unset properties map to "". An
// important declaration reads back as "<value> !important".
func (e *Element) Style(ctx context.Context, props ...string) (raster.Style, error) {
	res, err := e.el.Context(ctx).Eval(`(props) => {
		const out = {};
		for (const p of props) {
			out[p] = {v: this.style.getPropertyValue(p), p: this.style.getPropertyPriority(p)};
		}
		return out;
	}`, props)
	if err != nil {
		return nil, fmt.Errorf("browser: read style: %w", err)
	}
	out := make(raster.Style, len(props))
	for _, p := range props {
		d := res.Value.Get(p)
		out[p] = joinPriority(d.Get("v").Str(), d.Get("p").Str())
	}
	return out, nil
}

// SetStyle writes inline style values, removing properties set to "".
// A trailing "!important" is applied as the declaration's priority.
func (e *Element) SetStyle(ctx context.Context, s raster.Style) error {
	type decl struct {
		Name     string `json:"name"`
		Value    string `json:"value"`
		Priority string `json:"priority"`
	}
	decls := make([]decl, 0, len(s))
	for k, v := range s {
		value, prio := splitPriority(v)
		decls = append(decls, decl{Name: k, Value: value, Priority: prio})
	}
	_, err := e.el.Context(ctx).Eval(`(decls) => {
		for (const d of decls) {
			if (d.value === '') this.style.removeProperty(d.name);
			else this.style.setProperty(d.name, d.value, d.priority);
		}
	}`, decls)
	if err != nil {
		return fmt.Errorf("browser: write style: %w", err)
	}
	return nil
}

const importantSuffix = "!important"

func joinPriority(value, priority string) string {
	if value == "" || priority == "" {
		return value
	}
	return value + " !" + priority
}

func splitPriority(v string) (value, priority string) {
	v = strings.TrimSpace(v)
	if len(v) >= len(importantSuffix) && strings.EqualFold(v[len(v)-len(importantSuffix):], importantSuffix) {
		return strings.TrimSpace(v[:len(v)-len(importantSuffix)]), "important"
	}
	return v, ""
}

package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/typenote/artifact"
	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/raster"
)

func TestBlockSet(t *testing.T) {
	bs := newBlockSet([]string{"Fonts", " images ", "xhr", "bogus"})
	cases := map[proto.NetworkResourceType]bool{
		proto.NetworkResourceTypeFont:       true,
		proto.NetworkResourceTypeImage:      true,
		proto.NetworkResourceTypeFetch:      true,
		proto.NetworkResourceTypeStylesheet: false,
		proto.NetworkResourceTypeDocument:   false,
	}
	for typ, want := range cases {
		if got := bs.blocks(typ); got != want {
			t.Errorf("blocks(%s) = %v, want %v", typ, got, want)
		}
	}
	if !newBlockSet([]string{"all"}).blocks(proto.NetworkResourceTypeOther) {
		t.Error("all should block every type")
	}
	if !newBlockSet(nil).empty() || !newBlockSet([]string{"bogus"}).empty() {
		t.Error("unknown kinds should leave the set empty")
	}
}

// fakeManager returns a Manager whose dial counts launches instead of
// starting Chrome.
func fakeManager(t *testing.T, cfg Config) (*Manager, *int, *time.Time) {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg)
	now := time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	launches := 0
	m.dial = func(context.Context) (*session, error) {
		launches++
		return &session{browser: rod.New(), started: now, stop: func() {}}, nil
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m, &launches, &now
}

func TestManager_RecycleWaitsForOpenPages(t *testing.T) {
	m, launches, _ := fakeManager(t, Config{MemoryLimit: 100})
	ctx := context.Background()

	if _, err := m.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	m.release(500)
	if *launches != 1 {
		t.Fatalf("recycled with a page still open, launches = %d", *launches)
	}
	m.release(10)
	if *launches != 2 || m.due != "" {
		t.Fatalf("expected recycle after last page, launches = %d due = %q", *launches, m.due)
	}

	if _, err := m.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Recycle(ctx); err != nil {
		t.Fatal(err)
	}
	if *launches != 2 || m.due != "requested" {
		t.Fatalf("requested recycle should wait, launches = %d", *launches)
	}
	m.release(-1)
	if *launches != 3 {
		t.Fatalf("launches = %d, want 3", *launches)
	}
}

func TestManager_IntervalRecycleOnAcquire(t *testing.T) {
	m, launches, now := fakeManager(t, Config{RecycleInterval: time.Hour})
	ctx := context.Background()

	*now = now.Add(2 * time.Hour)
	if _, err := m.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if *launches != 2 {
		t.Fatalf("stale browser not replaced, launches = %d", *launches)
	}
	m.release(-1)
	if *launches != 2 {
		t.Fatalf("fresh browser recycled again, launches = %d", *launches)
	}
}

func TestManager_Closed(t *testing.T) {
	m, _, _ := fakeManager(t, Config{})
	m.Close()
	if _, err := m.acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("acquire after Close: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close: %v", err)
	}
}

const tallCard = `<!doctype html><html><head><style>
body { margin: 0; }
#card { width: 400px; height: 300px; overflow: auto; font: 18px serif; }
.block { height: 500px; }
</style></head><body>
<div id="card"><div class="block">one</div><div class="block">two</div></div>
</body></html>`

// TestCanvas_RasterizeTallCard drives a real Chrome when one is installed.
func TestCanvas_RasterizeTallCard(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("chrome not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	mgr := NewManager(Config{ResourceBlocking: []string{"all"}})
	if err := mgr.Start(ctx); err != nil {
		t.Skipf("chrome failed to start: %v", err)
	}
	defer mgr.Close()

	page, err := mgr.Open(ctx, raster.PageSpec{HTML: tallCard, DevicePixelRatio: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer page.Close()

	node, err := page.Node(ctx, "#card")
	if err != nil {
		t.Fatal(err)
	}
	ext, err := node.Extent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ext.ScrollHeight <= ext.ClientHeight {
		t.Fatalf("expected scrollable card, got %+v", ext)
	}

	before, _ := node.Style(ctx, "width", "height", "overflow")
	res, err := raster.NewEngine().Rasterize(ctx, capability.StandardDOMCapture, raster.Request{
		Doc: page, Node: node, Capture: page, FileNameStem: "tall",
	})
	if err != nil {
		t.Fatal(err)
	}
	w, h, err := res.Artifact.Blob.Dimensions()
	if err != nil {
		t.Fatal(err)
	}
	if w != 400 || h != 1000 {
		t.Fatalf("png = %dx%d, want 400x1000", w, h)
	}
	after, _ := node.Style(ctx, "width", "height", "overflow")
	for k := range before {
		if before[k] != after[k] {
			t.Fatalf("style %s changed: %q -> %q", k, before[k], after[k])
		}
	}
	if !strings.HasPrefix(res.Artifact.DataURI, "data:image/png;base64,") {
		t.Fatal("expected png data URI")
	}
	if _, err := artifact.ToBlob(res.Artifact.DataURI); err != nil {
		t.Fatal(err)
	}
}

func TestStylePriority(t *testing.T) {
	cases := []struct {
		in, value, prio string
	}{
		{"400px", "400px", ""},
		{"400px !important", "400px", "important"},
		{"400px!IMPORTANT", "400px", "important"},
		{"", "", ""},
	}
	for _, tc := range cases {
		v, p := splitPriority(tc.in)
		if v != tc.value || p != tc.prio {
			t.Errorf("splitPriority(%q) = %q, %q; want %q, %q", tc.in, v, p, tc.value, tc.prio)
		}
	}
	if got := joinPriority("400px", "important"); got != "400px !important" {
		t.Errorf("joinPriority = %q", got)
	}
	if got := joinPriority("", "important"); got != "" {
		t.Errorf("joinPriority on unset = %q", got)
	}
	v, p := splitPriority(joinPriority("red", "important"))
	if v != "red" || p != "important" {
		t.Errorf("round trip = %q, %q", v, p)
	}
}

const importantCard = `<!doctype html><html style="background-color: rgb(1, 2, 3)"><head><style>
body { margin: 0; }
.block { height: 500px; }
</style></head><body>
<div id="card" style="width: 400px !important; height: 300px; overflow: auto"><div class="block">one</div><div class="block">two</div></div>
</body></html>`

// TestCanvas_RestrictedCaptureRestoresPage drives a real Chrome when one is installed.
func TestCanvas_RestrictedCaptureRestoresPage(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("chrome not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	mgr := NewManager(Config{ResourceBlocking: []string{"all"}})
	if err := mgr.Start(ctx); err != nil {
		t.Skipf("chrome failed to start: %v", err)
	}
	defer mgr.Close()

	page, err := mgr.Open(ctx, raster.PageSpec{HTML: importantCard, DevicePixelRatio: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer page.Close()

	node, err := page.Node(ctx, "#card")
	if err != nil {
		t.Fatal(err)
	}
	before, err := node.Style(ctx, "width", "height", "overflow")
	if err != nil {
		t.Fatal(err)
	}
	if before["width"] != "400px !important" {
		t.Fatalf("width read back as %q", before["width"])
	}

	if _, err := raster.NewEngine().Rasterize(ctx, capability.RestrictedBrowserCapture, raster.Request{
		Doc: page, Node: node, Capture: page, FileNameStem: "restricted",
	}); err != nil {
		t.Fatal(err)
	}

	after, err := node.Style(ctx, "width", "height", "overflow")
	if err != nil {
		t.Fatal(err)
	}
	for k := range before {
		if before[k] != after[k] {
			t.Errorf("style %s changed: %q -> %q", k, before[k], after[k])
		}
	}
	bg, err := page.(*Canvas).page.Eval(`() => document.documentElement.style.backgroundColor`)
	if err != nil {
		t.Fatal(err)
	}
	if got := bg.Value.Str(); got != "rgb(1, 2, 3)" {
		t.Errorf("root background = %q, want rgb(1, 2, 3)", got)
	}
}

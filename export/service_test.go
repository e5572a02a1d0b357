package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/dbopen"
	"github.com/hazyhaar/typenote/fontembed"
	"github.com/hazyhaar/typenote/notecard"
	"github.com/hazyhaar/typenote/observability"
	"github.com/hazyhaar/typenote/raster"
)

const wechatUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 MicroMessenger/8.0.40"

var fixedNow = time.Date(2025, 12, 31, 22, 0, 0, 0, time.UTC)

type stubFonts struct{ spec *fontembed.Spec }

func (s stubFonts) Resolve(context.Context) (*fontembed.Spec, bool) { return s.spec, s.spec != nil }

func newService(t *testing.T, o *fakeOpener, d *fakeDeliverer, opts ...Option) *Service {
	t.Helper()
	engine := raster.NewEngine(raster.WithLogger(discard), raster.WithFontWait(50*time.Millisecond))
	base := []Option{
		WithLogger(discard),
		WithClock(func() time.Time { return fixedNow }),
	}
	return New(o, engine, d, append(base, opts...)...)
}

func cardRequest() Request {
	return Request{
		Title:            "2025",
		Year:             2025,
		Blocks:           []notecard.Block{{Question: "Hello, World! 2024", Answer: "A quiet year."}},
		DevicePixelRatio: 2,
	}
}

func TestExport_DeliversAtFirstWorkingDensity(t *testing.T) {
	o := newFakeOpener()
	o.failAbove = 1.25
	d := &fakeDeliverer{}
	svc := newService(t, o, d)

	resp, err := svc.Export(context.Background(), cardRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Density != 1.25 || resp.Attempts != 4 {
		t.Fatalf("density %v after %d attempts, want 1.25 after 4", resp.Density, resp.Attempts)
	}
	if resp.Width != 108 || resp.Height != 135 {
		t.Fatalf("size %dx%d, want scroll extent 108x135", resp.Width, resp.Height)
	}
	if resp.FileName != "YearlyNote_2025_Hello__Wor.png" {
		t.Fatalf("file name = %q", resp.FileName)
	}
	if resp.Strategy != "standard_dom" || resp.Platform != "web" {
		t.Fatalf("strategy %q platform %q", resp.Strategy, resp.Platform)
	}
	if !strings.HasPrefix(resp.Location, "mem://standard_dom/") || !strings.HasPrefix(resp.ExportID, "exp_") {
		t.Fatalf("location %q export id %q", resp.Location, resp.ExportID)
	}
	if d.count() != 1 || o.closed.Load() != 1 {
		t.Fatalf("deliveries %d, pages closed %d", d.count(), o.closed.Load())
	}
	if svc.Busy() {
		t.Fatal("gate must be released")
	}

	spec := o.lastSpec()
	if spec.Selector != notecard.Selector || !strings.Contains(spec.HTML, "A quiet year.") {
		t.Fatalf("page spec = %+v", spec)
	}
	if spec.ViewportWidth != 1080 || spec.ViewportHeight != 1080 {
		t.Fatalf("viewport %dx%d", spec.ViewportWidth, spec.ViewportHeight)
	}
}

func TestExport_SingleFlight(t *testing.T) {
	o := newFakeOpener()
	o.gate = make(chan struct{})
	d := &fakeDeliverer{}
	svc := newService(t, o, d)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Export(context.Background(), cardRequest())
		done <- err
	}()
	<-o.started

	if _, err := svc.Export(context.Background(), cardRequest()); !errors.Is(err, ErrExportInFlight) {
		t.Fatalf("expected ErrExportInFlight, got %v", err)
	}
	if _, err := svc.Redeliver(context.Background()); !errors.Is(err, ErrNothingToRedeliver) {
		t.Fatalf("redeliver before any artifact: %v", err)
	}

	close(o.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := o.dom.Load(); n != 1 {
		t.Fatalf("%d captures, want 1", n)
	}
	if d.count() != 1 {
		t.Fatalf("%d deliveries, want 1", d.count())
	}
	if len(o.specs) != 1 {
		t.Fatalf("%d pages opened, want 1", len(o.specs))
	}

	if _, err := svc.Export(context.Background(), cardRequest()); err != nil {
		t.Fatalf("export after release: %v", err)
	}
}

func TestExport_RenderFailureReleasesGate(t *testing.T) {
	o := newFakeOpener()
	o.failAll = true
	d := &fakeDeliverer{}
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	log := observability.NewExportLog(db, observability.WithExportLogLogger(discard))
	m := observability.NewMetrics(db, observability.WithFlushInterval(time.Hour), observability.WithMetricsLogger(discard))
	defer m.Close()
	svc := newService(t, o, d, WithExportLog(log), WithMetrics(m))

	resp, err := svc.Export(context.Background(), cardRequest())
	var rf *raster.ErrRenderFailed
	if !errors.As(err, &rf) || resp != nil {
		t.Fatalf("expected ErrRenderFailed, got %v (%+v)", err, resp)
	}
	if len(rf.Attempts) != 5 || d.calls != 0 {
		t.Fatalf("%d attempts, %d delivery calls", len(rf.Attempts), d.calls)
	}
	if svc.Busy() || o.closed.Load() != 1 {
		t.Fatal("gate and page must be released on failure")
	}

	entries, err := log.Recent(context.Background(), observability.StatusRenderFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Attempts != 5 || entries[0].ErrorMessage == "" {
		t.Fatalf("export log = %+v", entries)
	}

	if err := m.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	failures, err := m.Points(context.Background(), observability.Filter{Name: observability.MetricExportFailures})
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Labels["status"] != observability.StatusRenderFailed {
		t.Fatalf("failure metrics = %+v", failures)
	}
}

func TestExport_DeliveryFailureThenRedeliver(t *testing.T) {
	o := newFakeOpener()
	d := &fakeDeliverer{failures: 1}
	svc := newService(t, o, d)

	resp, err := svc.Export(context.Background(), cardRequest())
	if err == nil || resp == nil || resp.Location != "" {
		t.Fatalf("expected delivery failure with response, got %+v, %v", resp, err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}

	captures := o.dom.Load()
	again, err := svc.Redeliver(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if o.dom.Load() != captures {
		t.Fatal("redeliver must not rasterize again")
	}
	if again.FileName != resp.FileName || !strings.HasPrefix(again.Location, "mem://") {
		t.Fatalf("redelivered = %+v", again)
	}
	if again.ExportID == resp.ExportID {
		t.Fatal("redelivery gets its own export id")
	}
}

func TestExport_RestrictedBrowserUsesCanvas(t *testing.T) {
	o := newFakeOpener()
	d := &fakeDeliverer{}
	svc := newService(t, o, d)

	req := cardRequest()
	req.DevicePixelRatio = 3
	req.Env = capability.Env{UserAgent: wechatUA}
	resp, err := svc.Export(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != "restricted_browser" || resp.Density != 2 {
		t.Fatalf("strategy %q density %v", resp.Strategy, resp.Density)
	}
	if o.canvas.Load() != 1 || o.dom.Load() != 0 {
		t.Fatalf("canvas %d dom %d", o.canvas.Load(), o.dom.Load())
	}
	if o.lastSpec().UserAgent != wechatUA {
		t.Fatal("page must emulate the client user agent")
	}
}

func TestExport_NativeShell(t *testing.T) {
	o := newFakeOpener()
	d := &fakeDeliverer{}
	svc := newService(t, o, d)

	req := cardRequest()
	req.Env = capability.Env{NativeBridge: true, Platform: "android"}
	resp, err := svc.Export(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != "native_shell" || resp.Platform != "android" {
		t.Fatalf("strategy %q platform %q", resp.Strategy, resp.Platform)
	}
	if !strings.HasPrefix(resp.Location, "mem://native_shell/") {
		t.Fatalf("location = %q", resp.Location)
	}
}

func TestExport_PDFAndThumbnail(t *testing.T) {
	o := newFakeOpener()
	d := &fakeDeliverer{}
	svc := newService(t, o, d, WithThumbnailWidth(54))

	req := cardRequest()
	req.Format = FormatPDF
	req.Size = "portrait"
	resp, err := svc.Export(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(resp.FileName, ".pdf") {
		t.Fatalf("file name = %q", resp.FileName)
	}
	a := d.delivered[0]
	if a.Blob.MIME != "application/pdf" || !strings.HasPrefix(string(a.Blob.Data), "%PDF") {
		t.Fatalf("artifact mime %q", a.Blob.MIME)
	}
	if !strings.HasPrefix(resp.Thumbnail, "data:image/png;base64,") {
		t.Fatalf("thumbnail = %.40q", resp.Thumbnail)
	}
	if spec := o.lastSpec(); spec.ViewportHeight != 1350 {
		t.Fatalf("portrait viewport height = %d", spec.ViewportHeight)
	}
}

func TestExport_InvalidRequests(t *testing.T) {
	svc := newService(t, newFakeOpener(), &fakeDeliverer{})
	cases := map[string]func(*Request){
		"no blocks":  func(r *Request) { r.Blocks = nil },
		"size":       func(r *Request) { r.Size = "A4" },
		"format":     func(r *Request) { r.Format = "gif" },
		"dimensions": func(r *Request) { r.Width = -1 },
	}
	for name, mutate := range cases {
		req := cardRequest()
		mutate(&req)
		_, err := svc.Export(context.Background(), req)
		var invalid *ErrInvalidRequest
		if !errors.As(err, &invalid) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	if svc.Busy() {
		t.Fatal("gate must be released after rejection")
	}
}

func TestExport_FontInlinedIntoCard(t *testing.T) {
	o := newFakeOpener()
	spec := &fontembed.Spec{Family: "Typewriter", CSS: "@font-face{font-family:'Typewriter';src:url(data:font/ttf;base64,AAAA)}"}
	svc := newService(t, o, &fakeDeliverer{}, WithFonts(stubFonts{spec: spec}))

	if _, err := svc.Export(context.Background(), cardRequest()); err != nil {
		t.Fatal(err)
	}
	html := o.lastSpec().HTML
	if !strings.Contains(html, "font-family:'Typewriter'") {
		t.Fatal("font CSS not inlined")
	}
}

func TestExport_YearDefaultsToClock(t *testing.T) {
	svc := newService(t, newFakeOpener(), &fakeDeliverer{})
	req := cardRequest()
	req.Year = 0
	resp, err := svc.Export(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.FileName, "YearlyNote_2025_") {
		t.Fatalf("file name = %q", resp.FileName)
	}
}

package artifact

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// a4WidthMM and pdfMarginMM place the card on an A4 portrait page with a
// 20 mm margin on each side, vertically centred.
const (
	a4WidthMM   = 210.0
	pdfMarginMM = 20.0
)

// ToPDF wraps a raster artifact into a single-page A4 PDF and returns a new
// artifact named after the same stem.
func ToPDF(a *Artifact) (*Artifact, error) {
	if a == nil || len(a.Blob.Data) == 0 {
		return nil, fmt.Errorf("artifact: pdf: empty image")
	}

	scale := (a4WidthMM - 2*pdfMarginMM) / a4WidthMM
	imp, err := api.Import(fmt.Sprintf("form:A4, pos:c, sc:%.2f rel", scale), types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("artifact: pdf import config: %w", err)
	}

	var out bytes.Buffer
	conf := model.NewDefaultConfiguration()
	if err := api.ImportImages(nil, &out, []io.Reader{bytes.NewReader(a.Blob.Data)}, imp, conf); err != nil {
		return nil, fmt.Errorf("artifact: pdf: %w", err)
	}

	data := out.Bytes()
	return &Artifact{
		Blob:     Blob{Data: data, MIME: "application/pdf"},
		DataURI:  EncodeDataURI("application/pdf", data),
		FileName: strings.TrimSuffix(a.FileName, Extension(a.Blob.MIME)) + ".pdf",
	}, nil
}

// Package artifact packages a captured image into a downloadable artifact:
// a MIME-tagged blob, the data URI it came from and a suggested file name.
//
// Packaging is pure and deterministic. It does not know how the artifact
// will be persisted; that is the delivery package's job.
package artifact

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// SlugLength bounds the free-text part of a file stem, in runes.
const SlugLength = 10

// Blob is binary content tagged with its MIME type.
type Blob struct {
	Data []byte
	MIME string
}

// Artifact is the packaged result of one successful export.
type Artifact struct {
	Blob     Blob
	DataURI  string
	FileName string
}

// ErrMalformedDataURI is returned when a data URI has no usable header or
// its payload is not valid base64. URIs produced by the capture engine never
// trigger it.
type ErrMalformedDataURI struct {
	Reason string
	Cause  error
}

func (e *ErrMalformedDataURI) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("artifact: malformed data URI: %s: %v", e.Reason, e.Cause)
	}
	return "artifact: malformed data URI: " + e.Reason
}

func (e *ErrMalformedDataURI) Unwrap() error { return e.Cause }

// ToBlob decodes a base64 data URI ("data:<mime>[;param];base64,<payload>")
// into a Blob carrying the header's MIME type.
func ToBlob(dataURI string) (Blob, error) {
	rest, ok := strings.CutPrefix(dataURI, "data:")
	if !ok {
		return Blob{}, &ErrMalformedDataURI{Reason: "missing data: scheme"}
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Blob{}, &ErrMalformedDataURI{Reason: "missing header separator"}
	}

	params := strings.Split(header, ";")
	mime := strings.TrimSpace(params[0])
	if mime == "" || !strings.Contains(mime, "/") {
		return Blob{}, &ErrMalformedDataURI{Reason: "missing mime type"}
	}
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return Blob{}, &ErrMalformedDataURI{Reason: "payload is not base64-encoded"}
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return Blob{}, &ErrMalformedDataURI{Reason: "invalid base64 payload", Cause: err}
	}
	if len(data) == 0 {
		return Blob{}, &ErrMalformedDataURI{Reason: "empty payload"}
	}
	return Blob{Data: data, MIME: strings.ToLower(mime)}, nil
}

// EncodeDataURI is the inverse of ToBlob.
func EncodeDataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// New packages dataURI under stem. The extension follows the decoded MIME
// type, ".png" for captured cards.
func New(dataURI, stem string) (*Artifact, error) {
	blob, err := ToBlob(dataURI)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Blob:     blob,
		DataURI:  dataURI,
		FileName: stem + Extension(blob.MIME),
	}, nil
}

// Extension returns the file extension for mime, ".bin" when unknown.
func Extension(mime string) string {
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

// Sniff reports the MIME type detected from the blob's content, which may
// differ from the declared header.
func (b Blob) Sniff() string {
	return mimetype.Detect(b.Data).String()
}

// FileStem builds "<prefix>_<year>_<slug>" where slug is the first
// SlugLength runes of text with every character outside [A-Za-z0-9]
// replaced by an underscore.
func FileStem(prefix string, year int, text string) string {
	return prefix + "_" + strconv.Itoa(year) + "_" + Slug(text)
}

// Slug truncates text to SlugLength runes and replaces non-alphanumeric
// characters with underscores.
func Slug(text string) string {
	var sb strings.Builder
	n := 0
	for _, r := range text {
		if n == SlugLength {
			break
		}
		if r == utf8.RuneError || !isAlnum(r) {
			sb.WriteByte('_')
		} else {
			sb.WriteRune(r)
		}
		n++
	}
	return sb.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasSuffix(payload, "=") || len(payload)%4 == 0 {
		return base64.StdEncoding.DecodeString(payload)
	}
	return base64.RawStdEncoding.DecodeString(payload)
}

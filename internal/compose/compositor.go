// Package compose merges signature assets onto the final page of a PDF
// document. Preceding pages pass through untouched; the output is a complete
// new document artifact.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strconv"

	_ "image/jpeg"
	_ "image/png"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Failure modes, per the engine's error taxonomy.
var (
	// ErrDocumentCorrupt covers unreadable source bytes and zero-page documents.
	ErrDocumentCorrupt = errors.New("document corrupt")
	// ErrInvalidAsset covers a provided signature asset that cannot be decoded.
	ErrInvalidAsset = errors.New("signature asset unreadable")
)

const (
	// widthFraction scales the signature to a fixed fraction of page width,
	// preserving aspect ratio.
	widthFraction = 0.33
	// cornerMargin is the offset in points from the bottom-right corner.
	cornerMargin = 24
)

// Compositor stamps a positioned signature overlay onto the last page of a
// document. Every signature lands at the same bottom-right anchor; workflows
// with many signers can visually overlap there, which is a known product
// simplification rather than a layout bug.
type Compositor struct {
	conf *model.Configuration
}

// New constructs a Compositor with relaxed PDF validation, matching what
// real-world uploads require.
func New() *Compositor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Compositor{conf: conf}
}

// Probe parses the document and returns its page count. It is the cheap
// validity check used at workflow creation time.
func (c *Compositor) Probe(doc []byte) (int, error) {
	dims, err := api.PageDims(bytes.NewReader(doc), c.conf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDocumentCorrupt, err)
	}
	if len(dims) == 0 {
		return 0, fmt.Errorf("%w: document has no pages", ErrDocumentCorrupt)
	}
	return len(dims), nil
}

// Apply merges the signature described by src onto the last page of doc and
// returns the new document plus the asset bytes that were stamped (callers
// persist those as the signer's signature artifact). doc is never mutated in
// place.
func (c *Compositor) Apply(doc []byte, src SignatureSource) ([]byte, []byte, error) {
	pageCount, err := c.Probe(doc)
	if err != nil {
		return nil, nil, err
	}

	asset, err := resolveAsset(src)
	if err != nil {
		return nil, nil, err
	}

	// Anchor bottom-right, offset inward by the corner margin, scaled
	// relative to page dimensions with aspect ratio preserved.
	desc := fmt.Sprintf("pos:br, off:%d %d, scale:%.2f rel, rot:0, op:1",
		-cornerMargin, cornerMargin, widthFraction)
	wm, err := api.ImageWatermarkForReader(bytes.NewReader(asset), desc, true, false, types.POINTS)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}

	var out bytes.Buffer
	lastPage := []string{strconv.Itoa(pageCount)}
	if err := api.AddWatermarks(bytes.NewReader(doc), &out, lastPage, wm, c.conf); err != nil {
		return nil, nil, fmt.Errorf("stamp page %d: %w", pageCount, err)
	}
	return out.Bytes(), asset, nil
}

// resolveAsset returns the image bytes for a signature source: the uploaded
// image, decode-checked, or a rendering of the signer's display name.
func resolveAsset(src SignatureSource) ([]byte, error) {
	if !src.IsUploaded() {
		return renderNameImage(src.name)
	}
	if _, _, err := image.Decode(bytes.NewReader(src.image)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}
	return src.image, nil
}

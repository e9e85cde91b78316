package export

import (
	"image"

	"github.com/gen2brain/go-fitz"
)

// FitzRasterizer renders PDF pages through MuPDF.
type FitzRasterizer struct{}

func (FitzRasterizer) Open(data []byte) (RasterDoc, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return &fitzDoc{doc: doc}, nil
}

type fitzDoc struct {
	doc *fitz.Document
}

func (d *fitzDoc) PageCount() int {
	return d.doc.NumPage()
}

func (d *fitzDoc) RenderPage(pageIndex int, dpi float64) (*image.RGBA, error) {
	return d.doc.ImageDPI(pageIndex, dpi)
}

func (d *fitzDoc) Close() error {
	return d.doc.Close()
}

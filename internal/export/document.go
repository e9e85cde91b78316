package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/faults"
	"github.com/overmarklabs/overmark/internal/overlay"
)

const (
	baseDPI = 72.0

	// maxPreviewScale caps interactive zoom so a single request cannot
	// rasterize an arbitrarily large bitmap.
	maxPreviewScale = 4.0
)

var (
	errMissingRasterizer = errors.New("rasterizer is required")
	errEmptyDocument     = errors.New("document has no pages")
	errPageOutOfRange    = errors.New("page out of range")
)

const (
	opDocumentNew     = "export.document.new"
	opDocumentRender  = "export.document.render"
	opDocumentPreview = "export.document.preview"
)

// Rasterizer opens a PDF held in memory for page rendering.
type Rasterizer interface {
	Open(data []byte) (RasterDoc, error)
}

// RasterDoc is an open document whose pages render to bitmaps.
type RasterDoc interface {
	PageCount() int
	RenderPage(pageIndex int, dpi float64) (*image.RGBA, error)
	Close() error
}

// DocumentPipelineConfig tunes the document export.
type DocumentPipelineConfig struct {
	Rasterizer  Rasterizer
	Scale       float64
	JPEGQuality int
	Logger      *zap.Logger
}

// DocumentPipeline flattens annotations into a new PDF. Each page is
// rasterized, the page's annotations are drawn onto the bitmap, and the
// composited bitmaps are reassembled into a PDF with the original page
// geometry.
type DocumentPipeline struct {
	rasterizer  Rasterizer
	compositor  *overlay.Compositor
	scale       float64
	jpegQuality int
	logger      *zap.Logger
}

// NewDocumentPipeline constructs the pipeline.
func NewDocumentPipeline(cfg DocumentPipelineConfig) (*DocumentPipeline, error) {
	if cfg.Rasterizer == nil {
		return nil, faults.New(faults.KindInternal, opDocumentNew, "missing_rasterizer", errMissingRasterizer)
	}
	scale := cfg.Scale
	if scale <= 0 {
		scale = 2
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentPipeline{
		rasterizer:  cfg.Rasterizer,
		compositor:  overlay.NewCompositor(),
		scale:       scale,
		jpegQuality: quality,
		logger:      logger,
	}, nil
}

// Render produces the flattened PDF. onProgress, when non-nil, receives a
// 0-100 percentage as pages complete. The context is checked between pages
// so a canceled export stops without finishing the document.
func (p *DocumentPipeline) Render(ctx context.Context, data []byte, list []annotations.Annotation, onProgress func(percent int)) ([]byte, error) {
	doc, err := p.rasterizer.Open(data)
	if err != nil {
		return nil, faults.New(faults.KindRender, opDocumentRender, "open_failed", err)
	}
	defer doc.Close()

	pageCount := doc.PageCount()
	if pageCount == 0 {
		return nil, faults.New(faults.KindValidation, opDocumentRender, "empty_document", errEmptyDocument)
	}

	output := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt"})
	for pageIndex := 0; pageIndex < pageCount; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, faults.New(faults.KindRender, opDocumentRender, "canceled", err)
		}
		if err := p.appendPage(output, doc, list, pageIndex); err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress((pageIndex + 1) * 100 / pageCount)
		}
	}

	var buffer bytes.Buffer
	if err := output.Output(&buffer); err != nil {
		return nil, faults.New(faults.KindRender, opDocumentRender, "assemble_failed", err)
	}
	return buffer.Bytes(), nil
}

func (p *DocumentPipeline) appendPage(output *fpdf.Fpdf, doc RasterDoc, list []annotations.Annotation, pageIndex int) error {
	raster, err := p.composePage(doc, list, pageIndex, p.scale)
	if err != nil {
		return err
	}

	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, raster, &jpeg.Options{Quality: p.jpegQuality}); err != nil {
		return faults.New(faults.KindRender, opDocumentRender, "encode_failed", err)
	}

	widthPt := float64(raster.Bounds().Dx()) / p.scale
	heightPt := float64(raster.Bounds().Dy()) / p.scale
	output.AddPageFormat("P", fpdf.SizeType{Wd: widthPt, Ht: heightPt})

	imageName := fmt.Sprintf("page-%d", pageIndex+1)
	options := fpdf.ImageOptions{ImageType: "JPG"}
	output.RegisterImageOptionsReader(imageName, options, &encoded)
	output.ImageOptions(imageName, 0, 0, widthPt, heightPt, false, options, 0, "")
	if err := output.Error(); err != nil {
		return faults.New(faults.KindRender, opDocumentRender, "place_failed", err)
	}
	return nil
}

// composePage renders one page and draws its annotations.
func (p *DocumentPipeline) composePage(doc RasterDoc, list []annotations.Annotation, pageIndex int, scale float64) (*image.RGBA, error) {
	raster, err := doc.RenderPage(pageIndex, baseDPI*scale)
	if err != nil {
		return nil, faults.New(faults.KindRender, opDocumentRender, "rasterize_failed",
			fmt.Errorf("page %d: %w", pageIndex+1, err))
	}

	var onPage []annotations.Annotation
	for _, annotation := range list {
		if annotation.OnPage(pageIndex + 1) {
			onPage = append(onPage, annotation)
		}
	}
	if err := p.compositor.Draw(raster, onPage, scale); err != nil {
		return nil, faults.New(faults.KindRender, opDocumentRender, "composite_failed",
			fmt.Errorf("page %d: %w", pageIndex+1, err))
	}
	return raster, nil
}

// RenderPreview rasterizes a single page at the requested zoom scale with
// its annotations drawn in and returns it PNG-encoded. Page numbers are
// 1-based; a non-positive scale falls back to the export scale.
func (p *DocumentPipeline) RenderPreview(ctx context.Context, data []byte, list []annotations.Annotation, page int, scale float64) ([]byte, error) {
	if scale <= 0 {
		scale = p.scale
	}
	if scale > maxPreviewScale {
		scale = maxPreviewScale
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.New(faults.KindRender, opDocumentPreview, "canceled", err)
	}
	doc, err := p.rasterizer.Open(data)
	if err != nil {
		return nil, faults.New(faults.KindRender, opDocumentPreview, "open_failed", err)
	}
	defer doc.Close()

	if page < 1 || page > doc.PageCount() {
		return nil, faults.New(faults.KindValidation, opDocumentPreview, "page_out_of_range",
			fmt.Errorf("%w: %d of %d", errPageOutOfRange, page, doc.PageCount()))
	}

	raster, err := p.composePage(doc, list, page-1, scale)
	if err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, raster); err != nil {
		return nil, faults.New(faults.KindRender, opDocumentPreview, "encode_failed", err)
	}
	return buffer.Bytes(), nil
}

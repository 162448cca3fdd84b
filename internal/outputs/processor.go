package outputs

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"comfyworker/internal/comfy"
)

// Encoding values for EncodedAsset.Type.
const (
	EncodingBase64 = "base64"
	EncodingS3URL  = "s3_url"
)

// Video file extensions. Everything else classifies as an image.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
}

// EncodedAsset is one delivered artifact: inline base64 bytes or an
// offloaded-storage URL.
type EncodedAsset struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// Bundle is the final result of a job: encoded assets bucketed by media
// kind. Order follows the record's node iteration order and is not stable
// across runs.
type Bundle struct {
	Images []EncodedAsset `json:"images"`
	Videos []EncodedAsset `json:"videos"`
}

// EmptyBundle returns a Bundle that serializes as {"images":[],"videos":[]}.
func EmptyBundle() *Bundle {
	return &Bundle{Images: []EncodedAsset{}, Videos: []EncodedAsset{}}
}

// AssetFetcher retrieves raw asset bytes. *comfy.Client satisfies it.
type AssetFetcher interface {
	FetchAssetBytes(ctx context.Context, asset comfy.Asset) ([]byte, error)
}

// Uploader pushes asset bytes to external storage and returns a URL.
// When nil, assets are inlined as base64 instead.
type Uploader interface {
	Upload(ctx context.Context, jobID, filename string, data []byte) (string, error)
}

// Processor walks a finalized execution record and encodes every surviving
// asset for delivery.
type Processor struct {
	fetcher  AssetFetcher
	uploader Uploader
	log      zerolog.Logger
}

// NewProcessor builds a Processor. uploader may be nil for inline encoding.
func NewProcessor(fetcher AssetFetcher, uploader Uploader, log zerolog.Logger) *Processor {
	return &Processor{fetcher: fetcher, uploader: uploader, log: log}
}

// Process extracts, classifies and encodes all assets in the record.
// Provisional and unnamed assets are skipped. A failed byte fetch aborts
// the whole job; silently omitting an asset is worse than a visible
// failure.
func (p *Processor) Process(ctx context.Context, record *comfy.ExecutionRecord, jobID string) (*Bundle, error) {
	bundle := EmptyBundle()
	if record == nil {
		return bundle, nil
	}

	for _, node := range record.Outputs {
		for _, asset := range node.Assets() {
			if asset.Filename == "" || asset.Provisional() {
				continue
			}

			encoded, err := p.encode(ctx, asset, jobID)
			if err != nil {
				return nil, err
			}

			if isVideo(asset.Filename) {
				bundle.Videos = append(bundle.Videos, encoded)
			} else {
				bundle.Images = append(bundle.Images, encoded)
			}
		}
	}

	p.log.Info().
		Int("images", len(bundle.Images)).
		Int("videos", len(bundle.Videos)).
		Msg("processed workflow outputs")
	return bundle, nil
}

func (p *Processor) encode(ctx context.Context, asset comfy.Asset, jobID string) (EncodedAsset, error) {
	data, err := p.fetcher.FetchAssetBytes(ctx, asset)
	if err != nil {
		return EncodedAsset{}, fmt.Errorf("asset fetch: %w", err)
	}

	if p.uploader != nil {
		url, err := p.uploader.Upload(ctx, jobID, asset.Filename, data)
		if err != nil {
			return EncodedAsset{}, fmt.Errorf("upload %s: %w", asset.Filename, err)
		}
		return EncodedAsset{Filename: asset.Filename, Type: EncodingS3URL, Data: url}, nil
	}

	return EncodedAsset{
		Filename: asset.Filename,
		Type:     EncodingBase64,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func isVideo(filename string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(filename))]
}

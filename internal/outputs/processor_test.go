package outputs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"comfyworker/internal/comfy"
)

type fakeFetcher struct {
	data map[string][]byte
	err  error
}

func (f *fakeFetcher) FetchAssetBytes(ctx context.Context, asset comfy.Asset) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[asset.Filename], nil
}

type fakeUploader struct {
	uploads map[string][]byte
}

func (u *fakeUploader) Upload(ctx context.Context, jobID, filename string, data []byte) (string, error) {
	if u.uploads == nil {
		u.uploads = map[string][]byte{}
	}
	u.uploads[filename] = data
	return fmt.Sprintf("https://bucket.example.com/%s/%s", jobID, filename), nil
}

func record(nodes map[string]comfy.NodeOutput) *comfy.ExecutionRecord {
	return &comfy.ExecutionRecord{Outputs: nodes}
}

func TestProcessClassifiesByExtension(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string][]byte{
		"frame.png": {1},
		"clip.mp4":  {2},
	}}
	p := NewProcessor(fetcher, nil, zerolog.Nop())

	// The engine files clip.mp4 under the images key; classification
	// must follow the file extension, not the reporting key.
	rec := record(map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{
			{Filename: "frame.png", Type: "output"},
			{Filename: "clip.mp4", Type: "output"},
		}},
	})

	bundle, err := p.Process(context.Background(), rec, "job-1")
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if len(bundle.Images) != 1 || bundle.Images[0].Filename != "frame.png" {
		t.Fatalf("unexpected images: %+v", bundle.Images)
	}
	if len(bundle.Videos) != 1 || bundle.Videos[0].Filename != "clip.mp4" {
		t.Fatalf("unexpected videos: %+v", bundle.Videos)
	}
}

func TestProcessUnknownExtensionIsImage(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string][]byte{"mesh.obj": {1}}}
	p := NewProcessor(fetcher, nil, zerolog.Nop())

	rec := record(map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{{Filename: "mesh.obj", Type: "output"}}},
	})

	bundle, err := p.Process(context.Background(), rec, "job-1")
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if len(bundle.Images) != 1 || len(bundle.Videos) != 0 {
		t.Fatalf("unknown extensions must classify as images: %+v", bundle)
	}
}

func TestProcessSkipsProvisionalAndUnnamed(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string][]byte{"out.png": {1}}}
	p := NewProcessor(fetcher, nil, zerolog.Nop())

	rec := record(map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{
			{Filename: "preview.png", Type: "temp"},
			{Filename: "", Type: "output"},
			{Filename: "out.png", Type: "output"},
		}},
	})

	bundle, err := p.Process(context.Background(), rec, "job-1")
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if len(bundle.Images) != 1 || bundle.Images[0].Filename != "out.png" {
		t.Fatalf("provisional and unnamed assets must be skipped: %+v", bundle.Images)
	}
}

func TestProcessBase64Encoding(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	fetcher := &fakeFetcher{data: map[string][]byte{"out.png": raw}}
	p := NewProcessor(fetcher, nil, zerolog.Nop())

	rec := record(map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{{Filename: "out.png", Type: "output"}}},
	})

	bundle, err := p.Process(context.Background(), rec, "job-1")
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	got := bundle.Images[0]
	if got.Type != EncodingBase64 {
		t.Fatalf("expected base64 encoding, got %s", got.Type)
	}
	decoded, err := base64.StdEncoding.DecodeString(got.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("round-trip mismatch: %v", decoded)
	}
}

func TestProcessUploadsWhenUploaderConfigured(t *testing.T) {
	fetcher := &fakeFetcher{data: map[string][]byte{"out.png": {1, 2, 3}}}
	uploader := &fakeUploader{}
	p := NewProcessor(fetcher, uploader, zerolog.Nop())

	rec := record(map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{{Filename: "out.png", Type: "output"}}},
	})

	bundle, err := p.Process(context.Background(), rec, "job-7")
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	got := bundle.Images[0]
	if got.Type != EncodingS3URL {
		t.Fatalf("expected s3_url encoding, got %s", got.Type)
	}
	if got.Data != "https://bucket.example.com/job-7/out.png" {
		t.Fatalf("unexpected url: %s", got.Data)
	}
	if string(uploader.uploads["out.png"]) != string([]byte{1, 2, 3}) {
		t.Fatalf("uploader did not receive the fetched bytes")
	}
}

func TestProcessFetchErrorAbortsJob(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("engine gone")}
	p := NewProcessor(fetcher, nil, zerolog.Nop())

	rec := record(map[string]comfy.NodeOutput{
		"9": {Images: []comfy.Asset{{Filename: "out.png", Type: "output"}}},
	})

	if _, err := p.Process(context.Background(), rec, "job-1"); err == nil {
		t.Fatalf("expected error when asset bytes cannot be fetched")
	}
}

func TestEmptyBundleSerializesEmptyArrays(t *testing.T) {
	data, err := json.Marshal(EmptyBundle())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"images":[],"videos":[]}` {
		t.Fatalf("unexpected JSON: %s", data)
	}
}

func TestProcessNilRecord(t *testing.T) {
	p := NewProcessor(&fakeFetcher{}, nil, zerolog.Nop())
	bundle, err := p.Process(context.Background(), nil, "job-1")
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if len(bundle.Images) != 0 || len(bundle.Videos) != 0 {
		t.Fatalf("expected empty bundle, got %+v", bundle)
	}
}

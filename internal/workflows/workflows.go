package workflows

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Template files known to the worker, keyed by workflow name.
var templateFiles = map[string]string{
	"video_wan2_2_14B_i2v":        "video_wan2_2_14B_i2v.json",
	"T2I_ChromaAnimaAIO":          "T2I_ChromaAnimaAIO.json",
	"qwen-image-fast-runpod":      "qwen-image-fast-runpod.json",
	"image_qwen_t2i":              "image_qwen_image_distill_official_comfyui.json",
	"crayon-drawing":              "crayon-drawing.json",
	"I2V-Wan-2.2-Lightning-runpod": "I2V-Wan-2.2-Lightning-runpod.json",
}

const defaultTemplate = "video_wan2_2_14B_i2v"

// Registry loads workflow templates from a directory on disk.
type Registry struct {
	dir string
}

// NewRegistry returns a Registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Load reads the named template. An empty name selects the default
// template; an unrecognized name is an error.
func (r *Registry) Load(name string) (map[string]any, error) {
	if name == "" {
		name = defaultTemplate
	}
	file, ok := templateFiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	path := filepath.Join(r.dir, file)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workflow template not found at %s", path)
		}
		return nil, fmt.Errorf("read workflow template: %w", err)
	}

	var workflow map[string]any
	if err := json.Unmarshal(raw, &workflow); err != nil {
		return nil, fmt.Errorf("invalid JSON in workflow template: %w", err)
	}
	return workflow, nil
}

// RequiresInputImage reports whether the template carries an input image
// placeholder anywhere in its node tree.
func RequiresInputImage(workflow map[string]any) bool {
	var contains func(v any) bool
	contains = func(v any) bool {
		switch value := v.(type) {
		case map[string]any:
			for _, item := range value {
				if contains(item) {
					return true
				}
			}
		case []any:
			for _, item := range value {
				if contains(item) {
					return true
				}
			}
		case string:
			return value == "{{ INPUT_IMAGE }}"
		}
		return false
	}
	return contains(workflow)
}

// PrepareParams carries the job inputs injected into a template.
type PrepareParams struct {
	Prompt        string
	ImageFilename string
	Width         int
	Height        int
	Length        int
}

// Prepare substitutes placeholders, applies dimension overrides where the
// template supports them, and gives save nodes unique filename prefixes so
// concurrent jobs cannot collide on output names.
func Prepare(workflow map[string]any, params PrepareParams, log zerolog.Logger) map[string]any {
	prepared := SubstitutePlaceholders(workflow, params)

	if err := SetDimensions(prepared, params.Width, params.Height, params.Length, log); err != nil {
		log.Debug().Err(err).Msg("skipping dimension override")
	}

	UniqueFilenamePrefix(prepared)
	return prepared
}

// SubstitutePlaceholders replaces the recognized placeholder tokens
// throughout the template tree and returns the rewritten copy.
func SubstitutePlaceholders(workflow map[string]any, params PrepareParams) map[string]any {
	var replace func(v any) any
	replace = func(v any) any {
		switch value := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(value))
			for key, item := range value {
				out[key] = replace(item)
			}
			return out
		case []any:
			out := make([]any, len(value))
			for i, item := range value {
				out[i] = replace(item)
			}
			return out
		case string:
			switch value {
			case "{{ VIDEO_PROMPT }}", "{{ POSITIVE_PROMPT }}", "{{ IMAGE_PROMPT }}":
				return params.Prompt
			case "{{ INPUT_IMAGE }}":
				return params.ImageFilename
			case "{{ IMAGE_WIDTH }}":
				return params.Width
			case "{{ IMAGE_HEIGHT }}":
				return params.Height
			}
			return value
		default:
			return v
		}
	}
	return replace(workflow).(map[string]any)
}

// SetDimensions applies width/height/length overrides to the first
// supported dimension node. Templates without one return an error the
// caller may ignore.
func SetDimensions(workflow map[string]any, width, height, length int, log zerolog.Logger) error {
	for _, v := range workflow {
		node, ok := v.(map[string]any)
		if !ok {
			continue
		}
		switch node["class_type"] {
		case "WanImageToVideo":
			inputs := nodeInputs(node)
			inputs["width"] = width
			inputs["height"] = height
			inputs["length"] = length
			log.Info().Int("width", width).Int("height", height).Int("length", length).Msg("set workflow dimensions")
			return nil
		case "EmptySD3LatentImage":
			inputs := nodeInputs(node)
			inputs["width"] = width
			inputs["height"] = height
			log.Info().Int("width", width).Int("height", height).Msg("set workflow dimensions")
			return nil
		}
	}
	return errors.New("no supported dimension nodes found in workflow template")
}

// UniqueFilenamePrefix rewrites every SaveImage node's filename_prefix with
// a fresh UUID.
func UniqueFilenamePrefix(workflow map[string]any) {
	for _, v := range workflow {
		node, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if node["class_type"] == "SaveImage" {
			inputs := nodeInputs(node)
			inputs["filename_prefix"] = uuid.NewString()
		}
	}
}

func nodeInputs(node map[string]any) map[string]any {
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	return inputs
}

package comfy

import "encoding/json"

// Asset describes one file produced by an output node. Type mirrors the
// engine's storage class: "output" assets are durably written, "temp" assets
// are provisional and must never be surfaced to callers.
type Asset struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Provisional reports whether the asset has not yet been flushed to durable
// storage by the engine.
func (a Asset) Provisional() bool {
	return a.Type == "temp"
}

// NodeOutput holds the typed asset lists one node reported. The engine emits
// images and videos under separate keys regardless of actual media type, so
// both are scanned when classifying outputs.
type NodeOutput struct {
	Images []Asset `json:"images,omitempty"`
	Videos []Asset `json:"videos,omitempty"`
}

// Assets returns every asset the node reported, images first.
func (n NodeOutput) Assets() []Asset {
	out := make([]Asset, 0, len(n.Images)+len(n.Videos))
	out = append(out, n.Images...)
	out = append(out, n.Videos...)
	return out
}

// ExecutionStatus carries the engine's terminal status block, including any
// node-level error payloads.
type ExecutionStatus struct {
	StatusStr string            `json:"status_str,omitempty"`
	Completed bool              `json:"completed,omitempty"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// ExecutionRecord is a snapshot of the engine's canonical state for one
// prompt: a mapping from output-producing node IDs to their asset lists.
// Only the engine mutates it; the worker reads snapshots.
type ExecutionRecord struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  *ExecutionStatus      `json:"status,omitempty"`
}

// HasOutputs reports whether any node produced at least one asset descriptor.
func (r *ExecutionRecord) HasOutputs() bool {
	if r == nil {
		return false
	}
	for _, node := range r.Outputs {
		if len(node.Images) > 0 || len(node.Videos) > 0 {
			return true
		}
	}
	return false
}

// HasFinalAsset reports whether at least one named, non-provisional asset
// exists anywhere in the record.
func (r *ExecutionRecord) HasFinalAsset() bool {
	if r == nil {
		return false
	}
	for _, node := range r.Outputs {
		for _, asset := range node.Assets() {
			if asset.Filename != "" && !asset.Provisional() {
				return true
			}
		}
	}
	return false
}

package models

import "time"

// GenerationParams mirrors the inputs accepted by the image provider.
type GenerationParams struct {
	AspectRatio          string    `json:"aspect_ratio"`
	PromptStrength       float64   `json:"prompt_strength"`
	NumOutputs           int       `json:"num_outputs"`
	NumInferenceSteps    int       `json:"num_inference_steps"`
	GuidanceScale        float64   `json:"guidance_scale"`
	OutputFormat         string    `json:"output_format"`
	OutputQuality        int       `json:"output_quality"`
	Seed                 *int64    `json:"seed,omitempty"`
	LoraRefs             []string  `json:"lora_refs,omitempty"`
	LoraScales           []float64 `json:"lora_scales,omitempty"`
	DisableSafetyChecker bool      `json:"disable_safety_checker,omitempty"`
}

// Generation is a persisted request/result pair. DeletedAt is a moderation
// tombstone: set on delete, cleared on restore, the row itself never goes
// away. Removing a generation does not touch the ledger.
type Generation struct {
	ID                int32            `json:"id"`
	AccountID         int32            `json:"account_id"`
	Prompt            string           `json:"prompt"`
	Params            GenerationParams `json:"params"`
	ReferenceImageURL string           `json:"reference_image_url,omitempty"`
	ArtifactURLs      []string         `json:"artifact_urls"`
	TransactionID     int32            `json:"transaction_id"`
	CreatedAt         time.Time        `json:"created_at"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty"`
}

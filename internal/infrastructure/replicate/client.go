package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/models"
)

// Prediction statuses reported by the provider.
const (
	statusStarting   = "starting"
	statusProcessing = "processing"
	statusSucceeded  = "succeeded"
	statusFailed     = "failed"
	statusCanceled   = "canceled"
)

// Client talks to the image generation provider over its predictions API:
// submit a job, then poll its status until it reaches a terminal state.
// Constructed once at startup and passed to the orchestrator.
type Client struct {
	baseURL      string
	token        string
	model        string
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewClient(baseURL, token, model string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        strings.TrimSpace(token),
		model:        model,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: time.Second,
	}
}

type predictionInput struct {
	Prompt               string    `json:"prompt"`
	Image                string    `json:"image,omitempty"`
	AspectRatio          string    `json:"aspect_ratio,omitempty"`
	PromptStrength       float64   `json:"prompt_strength,omitempty"`
	NumOutputs           int       `json:"num_outputs,omitempty"`
	NumInferenceSteps    int       `json:"num_inference_steps,omitempty"`
	GuidanceScale        float64   `json:"guidance_scale,omitempty"`
	OutputFormat         string    `json:"output_format,omitempty"`
	OutputQuality        int       `json:"output_quality,omitempty"`
	Seed                 *int64    `json:"seed,omitempty"`
	HFLoras              []string  `json:"hf_loras,omitempty"`
	LoraScales           []float64 `json:"lora_scales,omitempty"`
	DisableSafetyChecker bool      `json:"disable_safety_checker,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Generate submits a prediction and polls until it is terminal or ctx
// expires. Returns the provider job id together with the artifact URLs; the
// job id is still returned on failure so callers can log it.
func (c *Client) Generate(ctx context.Context, prompt, referenceImage string, params models.GenerationParams) (string, []string, error) {
	input := predictionInput{
		Prompt:               prompt,
		Image:                referenceImage,
		AspectRatio:          params.AspectRatio,
		PromptStrength:       params.PromptStrength,
		NumOutputs:           params.NumOutputs,
		NumInferenceSteps:    params.NumInferenceSteps,
		GuidanceScale:        params.GuidanceScale,
		OutputFormat:         params.OutputFormat,
		OutputQuality:        params.OutputQuality,
		Seed:                 params.Seed,
		HFLoras:              params.LoraRefs,
		LoraScales:           params.LoraScales,
		DisableSafetyChecker: params.DisableSafetyChecker,
	}

	pred, err := c.createPrediction(ctx, input)
	if err != nil {
		return "", nil, err
	}

	for pred.Status == statusStarting || pred.Status == statusProcessing {
		select {
		case <-ctx.Done():
			return pred.ID, nil, fmt.Errorf("generation timed out: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}
		next, err := c.getPrediction(ctx, pred.ID)
		if err != nil {
			return pred.ID, nil, err
		}
		pred = next
	}

	switch pred.Status {
	case statusSucceeded:
		urls, err := decodeOutput(pred.Output)
		if err != nil {
			return pred.ID, nil, err
		}
		if len(urls) == 0 {
			return pred.ID, nil, fmt.Errorf("provider returned empty output for job %s", pred.ID)
		}
		return pred.ID, urls, nil
	case statusFailed, statusCanceled:
		msg := pred.Error
		if msg == "" {
			msg = pred.Status
		}
		return pred.ID, nil, fmt.Errorf("prediction %s: %s", pred.ID, msg)
	default:
		return pred.ID, nil, fmt.Errorf("prediction %s in unexpected status %q", pred.ID, pred.Status)
	}
}

func (c *Client) createPrediction(ctx context.Context, input predictionInput) (*prediction, error) {
	body, err := json.Marshal(map[string]interface{}{
		"version": c.model,
		"input":   input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	pred, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if pred.ID == "" {
		return nil, fmt.Errorf("provider did not return a prediction id")
	}
	slog.Info("prediction submitted", "job_id", pred.ID, "status", pred.Status)
	return pred, nil
}

func (c *Client) getPrediction(ctx context.Context, id string) (*prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*prediction, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := pred.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg)
	}
	return &pred, nil
}

// decodeOutput tolerates both a list of URLs and a single URL string.
func decodeOutput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil {
		return urls, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	return nil, fmt.Errorf("unrecognized provider output shape")
}

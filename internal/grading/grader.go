package grading

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"pricing-pipeline/internal/blob"
	"pricing-pipeline/internal/collector"
	"pricing-pipeline/internal/models"
)

// Handler runs grading jobs: fetch the intake's photos from object storage,
// preprocess them, and submit them to the external grader service.
type Handler struct {
	graderURL  string
	photos     *blob.Client
	httpClient *http.Client
	maxDim     int
	logger     *slog.Logger
}

func NewHandler(graderURL string, photos *blob.Client, timeout time.Duration, maxDim int, logger *slog.Logger) *Handler {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxDim <= 0 {
		maxDim = 1280
	}
	return &Handler{
		graderURL:  graderURL,
		photos:     photos,
		httpClient: &http.Client{Timeout: timeout},
		maxDim:     maxDim,
		logger:     logger,
	}
}

// Result is the grade estimate returned by the grader service.
type Result struct {
	Grade      string  `json:"grade"`
	Confidence float64 `json:"confidence"`
	Details    string  `json:"details,omitempty"`
}

type gradeRequest struct {
	IntakeID string   `json:"intake_id"`
	Photos   []string `json:"photos"` // base64 JPEG
}

// Grade executes one grading job. Missing configuration or photos are
// permanent failures; grader unavailability is transient.
func (h *Handler) Grade(ctx context.Context, job models.Job) (Result, error) {
	if h.graderURL == "" {
		return Result{}, collector.Permanent(errors.New("grader URL not configured"))
	}
	if h.photos == nil {
		return Result{}, collector.Permanent(errors.New("photo storage not configured"))
	}

	keys, err := h.photos.ListKeys(ctx, "intakes/"+job.IntakeID+"/photos/")
	if err != nil {
		return Result{}, collector.Transient(fmt.Errorf("list intake photos: %w", err))
	}
	if len(keys) == 0 {
		return Result{}, collector.Permanent(fmt.Errorf("no photos stored for intake %s", job.IntakeID))
	}

	req := gradeRequest{IntakeID: job.IntakeID}
	for _, key := range keys {
		data, err := h.photos.Get(ctx, key)
		if err != nil {
			return Result{}, collector.Transient(fmt.Errorf("fetch photo %s: %w", key, err))
		}
		prepared, err := PreparePhoto(data, h.maxDim)
		if err != nil {
			h.logger.Warn("skipping undecodable photo", "key", key, "error", err)
			continue
		}
		req.Photos = append(req.Photos, base64.StdEncoding.EncodeToString(prepared))
	}
	if len(req.Photos) == 0 {
		return Result{}, collector.Permanent(fmt.Errorf("no usable photos for intake %s", job.IntakeID))
	}

	return h.submit(ctx, req)
}

func (h *Handler) submit(ctx context.Context, req gradeRequest) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, collector.Permanent(fmt.Errorf("marshal grade request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.graderURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, collector.Permanent(fmt.Errorf("build grade request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, collector.Transient(fmt.Errorf("grader request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, collector.Transient(fmt.Errorf("read grader response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("grader returned %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Result{}, collector.Transient(err)
		}
		return Result{}, collector.Permanent(err)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, collector.Transient(fmt.Errorf("decode grader response: %w", err))
	}
	return result, nil
}

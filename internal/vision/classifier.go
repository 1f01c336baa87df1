package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type analyzeReq struct {
	Image string `json:"image"` // base64 JPEG
}

type analyzeResp struct {
	Emotion         map[string]float64 `json:"emotion"`
	DominantEmotion string             `json:"dominant_emotion"`
}

type representResp struct {
	Embedding []float64 `json:"embedding"`
}

// HTTPClassifier calls a facial analysis service exposing /analyze and
// /represent.
type HTTPClassifier struct {
	baseURL string
	c       *http.Client
}

// NewHTTPClassifier creates a classifier client for baseURL.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClassifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		c:       &http.Client{Timeout: timeout},
	}
}

// Classify returns per-label scores (0..100) for the dominant face in frame.
func (h *HTTPClassifier) Classify(ctx context.Context, frame *Frame) (map[string]float64, error) {
	var out analyzeResp
	if err := h.post(ctx, "/analyze", frame, &out); err != nil {
		return nil, err
	}
	if len(out.Emotion) == 0 {
		return nil, fmt.Errorf("analyze: empty emotion scores")
	}
	return out.Emotion, nil
}

// Embed returns the face embedding for frame.
func (h *HTTPClassifier) Embed(ctx context.Context, frame *Frame) ([]float64, error) {
	var out representResp
	if err := h.post(ctx, "/represent", frame, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return out.Embedding, nil
}

func (h *HTTPClassifier) post(ctx context.Context, path string, frame *Frame, out any) error {
	if frame == nil || len(frame.Data) == 0 {
		return fmt.Errorf("%s: empty frame", path)
	}

	b, _ := json.Marshal(analyzeReq{Image: base64.StdEncoding.EncodeToString(frame.Data)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClassifierDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrNoFace
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s", path, resp.Status, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", path, err)
	}
	return nil
}

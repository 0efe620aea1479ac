package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Rect is a face bounding box in CSS order, in the coordinates of the image
// that was submitted.
type Rect struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Scale maps the box to a resized coordinate space.
func (r Rect) Scale(f float64) Rect {
	return Rect{
		Top:    int(float64(r.Top) * f),
		Right:  int(float64(r.Right) * f),
		Bottom: int(float64(r.Bottom) * f),
		Left:   int(float64(r.Left) * f),
	}
}

// Detection is one detected face: its location and embedding.
type Detection struct {
	Box       Rect      `json:"box"`
	Embedding []float32 `json:"embedding"`
}

// Provider turns an image into zero or more face detections. Implementations
// must not fail on frames containing no faces; that is an empty result.
type Provider interface {
	DetectAndEncode(ctx context.Context, jpeg []byte) ([]Detection, error)
}

// Client calls the face detection/embedding microservice.
type Client struct {
	BaseURL string
	Model   string
	Dim     int
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits all calls for dev without a
// running face service: detection yields nothing, health always passes.
func New(baseURL, model string, dim int, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Model:   model,
		Dim:     dim,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// DetectAndEncode submits a JPEG image and returns all detected faces with
// their embeddings. Vectors of the wrong dimension are rejected.
func (c *Client) DetectAndEncode(ctx context.Context, jpeg []byte) ([]Detection, error) {
	if c.Skip {
		return nil, nil
	}
	if len(jpeg) == 0 {
		return nil, nil
	}

	url := fmt.Sprintf("%s/detect?model=%s", c.BaseURL, c.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jpeg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	dets := out.Detections[:0]
	for _, d := range out.Detections {
		if len(d.Embedding) != c.Dim {
			return nil, fmt.Errorf("embedding has dim %d, want %d", len(d.Embedding), c.Dim)
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// Health checks if the face service is available. Called once at startup;
// failure there is fatal and never retried.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

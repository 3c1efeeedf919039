// Package vision is a stateless client for an HTTP vision-model endpoint:
// it ships a camera frame plus a prompt and returns the model's answer. It
// holds no link state and can be called regardless of broker connectivity.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// jpegQuality for uploaded frames. The model does not need a pristine image
// and upstream links from the field are slow.
const jpegQuality = 80

// Config configures the vision client.
type Config struct {
	Endpoint string
	// MaxWidth downscales frames wider than this before upload. Default 640.
	MaxWidth int
	// Timeout bounds one request round trip. Default 30s.
	Timeout time.Duration
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("vision endpoint is required")
	}
	if c.MaxWidth == 0 {
		c.MaxWidth = 640
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Client is the stateless request/response wrapper around the endpoint.
type Client struct {
	cfg        Config
	logger     golog.Logger
	httpClient *http.Client
}

// New returns a vision client.
func New(cfg Config, logger golog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid vision config")
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type describeRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}

type describeResponse struct {
	Answer string `json:"answer"`
}

// Describe sends the frame and prompt to the model and returns its answer.
func (c *Client) Describe(ctx context.Context, frame image.Image, prompt string) (string, error) {
	if frame == nil {
		return "", errors.New("no frame to describe")
	}
	if frame.Bounds().Dx() > c.cfg.MaxWidth {
		frame = imaging.Resize(frame, c.cfg.MaxWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", errors.Wrap(err, "encoding frame")
	}

	body, err := json.Marshal(describeRequest{
		Prompt: prompt,
		Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "calling vision endpoint")
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("vision endpoint returned %s", resp.Status)
	}

	var out describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decoding vision response")
	}
	return out.Answer, nil
}

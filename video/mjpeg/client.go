// Package mjpeg reads an MJPEG-over-HTTP video stream: a long-lived
// multipart response whose parts are JPEG frames. It is the concrete video
// transport behind the liveness monitor, and satisfies its Reconnector by
// tearing the HTTP connection down so the read loop redials.
package mjpeg

import (
	"context"
	"image"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/openteleop/roverlink/utils"
)

// redialWait spaces dial attempts after a stream ends or fails.
const redialWait = time.Second

// StreamConfig configures the stream client.
type StreamConfig struct {
	// URL of the MJPEG endpoint.
	URL string
	// DialTimeout bounds connection establishment (not the stream body,
	// which is open-ended). Default 5s.
	DialTimeout time.Duration
}

// Validate checks required fields and fills defaults.
func (c *StreamConfig) Validate() error {
	if c.URL == "" {
		return errors.New("stream url is required")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	return nil
}

// Stream is a reconnecting MJPEG stream reader. onFrame is invoked for every
// decoded frame from the read loop goroutine.
type Stream struct {
	cfg        StreamConfig
	onFrame    func(image.Image)
	logger     golog.Logger
	httpClient *http.Client

	mu        sync.Mutex
	cancelCur context.CancelFunc

	latest  atomic.Value // image.Image
	workers *utils.StoppableWorkers
}

// NewStream returns an unstarted stream client. onFrame may be nil.
func NewStream(cfg StreamConfig, onFrame func(image.Image), logger golog.Logger) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stream config")
	}
	return &Stream{
		cfg:     cfg,
		onFrame: onFrame,
		logger:  logger,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.DialTimeout,
			},
		},
	}, nil
}

// Start begins reading the stream, redialing whenever it ends.
func (s *Stream) Start() {
	s.workers = utils.NewStoppableWorkers(s.run)
}

// Close stops the read loop and closes the current connection.
func (s *Stream) Close() error {
	if s.workers != nil {
		s.workers.Stop()
	}
	return nil
}

// Latest returns the most recently decoded frame, nil if none yet.
func (s *Stream) Latest() image.Image {
	img, _ := s.latest.Load().(image.Image)
	return img
}

// RequestReconnect tears down the current stream connection; the read loop
// redials shortly after. Safe to call at any time, including before Start.
func (s *Stream) RequestReconnect() {
	s.mu.Lock()
	cancel := s.cancelCur
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Stream) run(ctx context.Context) {
	for {
		if err := s.readStream(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("video stream interrupted", "url", s.cfg.URL, "error", err)
		}
		if !goutils.SelectContextOrWait(ctx, redialWait) {
			return
		}
	}
}

// readStream dials the endpoint and decodes frames until the stream ends,
// fails, or a reconnect is requested.
func (s *Stream) readStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelCur = cancel
	s.mu.Unlock()
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "dialing video stream")
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("video endpoint returned %s", resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return errors.Wrap(err, "bad stream content type")
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return errors.Errorf("expected a multipart stream, got %q", mediaType)
	}

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err != nil {
			return errors.Wrap(err, "stream ended")
		}
		img, err := jpeg.Decode(part)
		if err != nil {
			// one bad frame is not worth a redial
			s.logger.Debugw("dropping undecodable frame", "error", err)
			continue
		}
		s.latest.Store(img)
		if s.onFrame != nil {
			s.onFrame(img)
		}
	}
}

package mjpeg

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func encodeTestFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	test.That(t, jpeg.Encode(&buf, img, nil), test.ShouldBeNil)
	return buf.Bytes()
}

func serveFrames(t *testing.T, frames int) *httptest.Server {
	t.Helper()
	frame := encodeTestFrame(t)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		for i := 0; i < frames; i++ {
			part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			if err != nil {
				return
			}
			if _, err := part.Write(frame); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		test.That(t, mw.Close(), test.ShouldBeNil)
	}))
}

func TestStreamDeliversFrames(t *testing.T) {
	srv := serveFrames(t, 3)
	defer srv.Close()

	var frames atomic.Int64
	s, err := NewStream(StreamConfig{URL: srv.URL}, func(image.Image) {
		frames.Add(1)
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s.Start()
	defer func() {
		test.That(t, s.Close(), test.ShouldBeNil)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, frames.Load(), test.ShouldBeGreaterThanOrEqualTo, int64(3))
	})
	test.That(t, s.Latest(), test.ShouldNotBeNil)
}

func TestStreamRedialsAfterEnd(t *testing.T) {
	var dials atomic.Int64
	frame := encodeTestFrame(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
		if err != nil {
			return
		}
		_, err = part.Write(frame)
		test.That(t, err, test.ShouldBeNil)
		// end the stream after one frame: the client must come back
	}))
	defer srv.Close()

	s, err := NewStream(StreamConfig{URL: srv.URL}, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s.Start()
	defer func() {
		test.That(t, s.Close(), test.ShouldBeNil)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, dials.Load(), test.ShouldBeGreaterThanOrEqualTo, int64(2))
	})
}

func TestConfigValidate(t *testing.T) {
	var cfg StreamConfig
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = StreamConfig{URL: "http://10.0.0.20:8080/stream"}
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

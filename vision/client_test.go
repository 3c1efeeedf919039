package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/jpeg" // register decoder for DecodeConfig
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestDescribe(t *testing.T) {
	var got describeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.That(t, r.Method, test.ShouldEqual, http.MethodPost)
		test.That(t, json.NewDecoder(r.Body).Decode(&got), test.ShouldBeNil)
		test.That(t, json.NewEncoder(w).Encode(describeResponse{Answer: "a red cube"}), test.ShouldBeNil)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, MaxWidth: 16}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	frame := image.NewRGBA(image.Rect(0, 0, 64, 48))
	answer, err := c.Describe(context.Background(), frame, "what do you see?")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, answer, test.ShouldEqual, "a red cube")
	test.That(t, got.Prompt, test.ShouldEqual, "what do you see?")

	// the uploaded frame is a valid JPEG, downscaled to the width cap
	raw, err := base64.StdEncoding.DecodeString(got.Image)
	test.That(t, err, test.ShouldBeNil)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, format, test.ShouldEqual, "jpeg")
	test.That(t, cfg.Width, test.ShouldEqual, 16)
}

func TestDescribeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = c.Describe(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), "?")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = c.Describe(context.Background(), nil, "?")
	test.That(t, err, test.ShouldNotBeNil)
}

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// secretHeaders never reach a recorded cassette.
var secretHeaders = []string{"Authorization", "X-Node-Token", "X-Api-Key"}

// NewVCRRecorder replays testdata/fixtures/<name>.yaml. With VCR_MODE=record
// the exchanges go to the real webhook service and the cassette is
// rewritten. The recorder stops when the test ends.
func NewVCRRecorder(t *testing.T, name string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("create VCR recorder for %s: %v", name, err)
	}

	// Filter webhook bodies carry timestamps, so only method and URL match.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})
	r.AddSaveFilter(func(i *cassette.Interaction) error {
		for _, h := range secretHeaders {
			delete(i.Request.Headers, h)
		}
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop VCR recorder: %v", err)
		}
	})
	return r
}

// HTTPClient sends through r.
func HTTPClient(r *recorder.Recorder, timeout time.Duration) *http.Client {
	return &http.Client{Transport: r, Timeout: timeout}
}

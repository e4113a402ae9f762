package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/0xReLogic/carsxml/internal/config"
	"github.com/0xReLogic/carsxml/internal/logging"
	"github.com/0xReLogic/carsxml/internal/records"
	"github.com/0xReLogic/carsxml/internal/responselog"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

const inputPath = "cars.jsonl"

const twoCars = "{\"model\":\"A\",\"cyl\":4,\"mpg\":30}\n{\"model\":\"B\",\"cyl\":6,\"mpg\":18}\n"

func newTestHandler(t *testing.T, fs afero.Fs, logFS afero.Fs) *Handler {
	t.Helper()
	cfg := &config.Config{InputFile: inputPath, Host: "127.0.0.1", Port: "0"}
	return NewHandler(cfg, records.NewLoader(fs), responselog.NewWriter(logFS))
}

func writeInput(t *testing.T, fs afero.Fs, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, inputPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandlerScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	h := newTestHandler(t, fs, fs)

	rec := serve(h, http.MethodGet, "/?cylinders=true&max_mpg=25")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeXML {
		t.Errorf("Content-Type = %q, want %q", ct, ContentTypeXML)
	}
	want := "<cars>\n" +
		"  <car>\n" +
		"    <model>B</model>\n" +
		"    <cyl>6</cyl>\n" +
		"    <mpg>18</mpg>\n" +
		"  </car>\n" +
		"</cars>\n"
	if rec.Body.String() != want {
		t.Errorf("body =\n%s\nwant\n%s", rec.Body.String(), want)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestHandlerIgnoresMethodAndPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	h := newTestHandler(t, fs, fs)

	base := serve(h, http.MethodGet, "/").Body.String()
	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/"},
		{http.MethodGet, "/anything/else"},
		{http.MethodDelete, "/metrics"},
	} {
		rec := serve(h, tc.method, tc.target)
		if rec.Code != http.StatusOK || rec.Body.String() != base {
			t.Errorf("%s %s: status %d body %q", tc.method, tc.target, rec.Code, rec.Body.String())
		}
	}
}

func TestHandlerNoParams(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	body := serve(newTestHandler(t, fs, fs), http.MethodGet, "/").Body.String()

	for _, m := range []string{"<model>A</model>", "<model>B</model>"} {
		if !strings.Contains(body, m) {
			t.Errorf("body missing %s", m)
		}
	}
	if strings.Contains(body, "<cyl>") || strings.Contains(body, "<mpg>") {
		t.Errorf("unexpected cyl/mpg in body:\n%s", body)
	}
}

func TestHandlerInvalidMaxMPG(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	body := serve(newTestHandler(t, fs, fs), http.MethodGet, "/?max_mpg=abc").Body.String()

	if strings.Count(body, "<car>") != 2 {
		t.Errorf("want both cars unfiltered:\n%s", body)
	}
	if strings.Count(body, "<mpg>") != 2 {
		t.Errorf("want mpg on every car:\n%s", body)
	}
}

func TestHandlerIdempotentAndLogged(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	h := newTestHandler(t, fs, fs)

	first := serve(h, http.MethodGet, "/?cylinders=true").Body.String()
	second := serve(h, http.MethodGet, "/?cylinders=true").Body.String()
	if first != second {
		t.Fatalf("bodies differ:\n%s\n---\n%s", first, second)
	}

	logged, err := afero.ReadFile(fs, responselog.FileName)
	if err != nil {
		t.Fatalf("read response log: %v", err)
	}
	if string(logged) != second {
		t.Errorf("log = %q, want %q", logged, second)
	}
}

func TestHandlerRereadsInputEachRequest(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	h := newTestHandler(t, fs, fs)

	_ = serve(h, http.MethodGet, "/")
	writeInput(t, fs, "{\"model\":\"Z\"}\n")
	body := serve(h, http.MethodGet, "/").Body.String()

	if !strings.Contains(body, "<model>Z</model>") || strings.Contains(body, "<model>A</model>") {
		t.Errorf("stale body:\n%s", body)
	}
}

func TestHandlerMalformedInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars+"{oops\n")
	h := newTestHandler(t, fs, fs)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodGet, "/")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != ContentTypeText {
			t.Errorf("Content-Type = %q, want %q", ct, ContentTypeText)
		}
		body := rec.Body.String()
		if !strings.HasPrefix(body, "Server error: ") || !strings.Contains(body, "line 3") {
			t.Errorf("body = %q", body)
		}
	}
	if ok, _ := afero.Exists(fs, responselog.FileName); ok {
		t.Error("response log written for a failed request")
	}
}

func TestHandlerMissingInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := serve(newTestHandler(t, fs, fs), http.MethodGet, "/")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Server error: ") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandlerNullRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars+"null\n")
	rec := serve(newTestHandler(t, fs, fs), http.MethodGet, "/")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "record is null") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandlerLogWriteFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	h := newTestHandler(t, fs, afero.NewReadOnlyFs(afero.NewMemMapFs()))

	rec := serve(h, http.MethodGet, "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), responselog.FileName) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandlerRecoversPanic(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, twoCars)
	// A nil writer panics inside the pipeline.
	h := NewHandler(&config.Config{InputFile: inputPath}, records.NewLoader(fs), nil)

	rec := serve(h, http.MethodGet, "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Server error: ") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStageOf(t *testing.T) {
	base := &stageError{stage: "write", err: errors.New("disk full")}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"direct", base, "write"},
		{"wrapped", fmt.Errorf("request 7: %w", base), "write"},
		{"plain error", errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stageOf(tt.err); got != tt.want {
				t.Errorf("stageOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0xReLogic/carsxml/internal/config"
	"github.com/0xReLogic/carsxml/internal/logging"
	"github.com/0xReLogic/carsxml/internal/query"
	"github.com/0xReLogic/carsxml/internal/records"
	"github.com/0xReLogic/carsxml/internal/render"
	"github.com/0xReLogic/carsxml/internal/responselog"
	"github.com/0xReLogic/carsxml/internal/tracing"
)

// Response content types.
const (
	ContentTypeXML  = "application/xml"
	ContentTypeText = "text/plain"

	errorPrefix = "Server error: "
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carsxml_http_requests_total",
			Help: "Total number of HTTP requests handled by carsxml",
		},
		[]string{"method", "status"},
	)
	httpRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carsxml_http_request_latency_seconds",
			Help:    "Latency of HTTP requests handled by carsxml",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	recordsLoaded = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carsxml_records_loaded",
			Help:    "Records parsed from the input file per request",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	responseLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carsxml_response_log_writes_total",
			Help: "Writes of the last-response file by result",
		},
		[]string{"result"},
	)
)

// Handler runs the load, filter, render and log pipeline for every request,
// whatever its method or path.
type Handler struct {
	cfg    *config.Config
	loader *records.Loader
	log    *responselog.Writer
}

// NewHandler wires the pipeline stages around an immutable config.
func NewHandler(cfg *config.Config, loader *records.Loader, log *responselog.Writer) *Handler {
	return &Handler{cfg: cfg, loader: loader, log: log}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// stageError tags a pipeline failure with the stage it came from.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// stageOf names the pipeline stage err came from, or "unknown".
func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := logging.NewRequestID()
	ctx := logging.WithRequestID(r.Context(), requestID)
	ctx, span := tracing.StartSpan(ctx, "http_request")
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.url", r.URL.String()),
		attribute.String("http.user_agent", r.UserAgent()),
		attribute.String("request.id", requestID),
	)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rec.Header().Set("X-Request-Id", requestID)

	doc, err := h.run(ctx, r)
	if err != nil {
		logging.LogPipelineError(ctx, stageOf(err), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeBody(rec, http.StatusInternalServerError, ContentTypeText, []byte(errorPrefix+err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
		writeBody(rec, http.StatusOK, ContentTypeXML, doc)
	}
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int("http.status_code", rec.status),
		attribute.Int64("http.response.size", int64(rec.size)),
		attribute.Float64("http.duration_ms", float64(latency.Milliseconds())),
	)

	logging.LogHTTPRequest(ctx, r.Method, r.URL.Path, r.URL.RawQuery, strconv.Itoa(rec.status),
		tracing.TraceIDFromContext(ctx), latency.Milliseconds(), int64(rec.size))

	httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	httpRequestLatency.WithLabelValues(r.Method).Observe(latency.Seconds())
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// run executes the pipeline. A panic in any stage is returned as an error so
// one bad request never takes the listener down.
func (h *Handler) run(ctx context.Context, r *http.Request) (doc []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &stageError{stage: "panic", err: fmt.Errorf("%v", p)}
		}
	}()

	recs, err := h.load(ctx)
	if err != nil {
		return nil, &stageError{stage: "load", err: err}
	}

	_, span := tracing.StartSpan(ctx, "query.apply")
	params := query.ParseParams(r.URL.Query())
	views := query.Apply(recs, params)
	span.SetAttributes(
		attribute.Bool("query.cylinders", params.ShowCylinders),
		attribute.Bool("query.show_mpg", params.ShowMPG),
		attribute.Bool("query.filtering", params.Filtering()),
		attribute.Int("query.views", len(views)),
	)
	span.End()

	_, span = tracing.StartSpan(ctx, "render.document")
	doc, err = render.Document(views)
	span.End()
	if err != nil {
		return nil, &stageError{stage: "render", err: err}
	}

	if err := h.writeLog(ctx, doc); err != nil {
		return nil, &stageError{stage: "write", err: err}
	}
	return doc, nil
}

func (h *Handler) load(ctx context.Context) ([]records.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "records.load")
	defer span.End()
	span.SetAttributes(attribute.String("records.path", h.cfg.InputFile))

	recs, err := h.loader.Load(ctx, h.cfg.InputFile)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("records.count", len(recs)))
	recordsLoaded.Observe(float64(len(recs)))
	return recs, nil
}

func (h *Handler) writeLog(ctx context.Context, doc []byte) error {
	ctx, span := tracing.StartSpan(ctx, "responselog.write")
	defer span.End()
	span.SetAttributes(attribute.String("responselog.path", h.log.Path()))

	if err := h.log.Write(ctx, doc); err != nil {
		responseLogWrites.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	responseLogWrites.WithLabelValues("ok").Inc()
	return nil
}

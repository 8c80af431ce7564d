package main

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mlosab3/ck-openvino/backend"
	"github.com/mlosab3/ck-openvino/detections"
	"github.com/mlosab3/ck-openvino/models"
	"github.com/mlosab3/ck-openvino/preprocess"
	"github.com/mlosab3/ck-openvino/slots"
)

var tracer = otel.Tracer("github.com/mlosab3/ck-openvino")

type Sample struct {
	Image       string `json:"image"`
	SampleIndex uint64 `json:"sample_index"`
	ResponseID  string `json:"response_id,omitempty"`
}

type PredictRequest struct {
	Samples []Sample `json:"samples"`
	WarmUp  bool     `json:"warm_up"`
}

type SampleResult struct {
	SampleIndex uint64             `json:"sample_index"`
	ResponseID  string             `json:"response_id"`
	Label       *int               `json:"label,omitempty"`
	Detections  []models.Detection `json:"detections,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type PredictResponse struct {
	RequestID string         `json:"request_id"`
	Results   []SampleResult `json:"results"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type AppState struct {
	Backend *backend.Backend
	Prep    *preprocess.Preprocessor
	Logger  *zap.Logger
	Debug   bool

	ids     atomic.Uint64
	ready   atomic.Bool
	pending pendingResults
}

// pendingResults routes Server scenario completions back to the caller that
// submitted them.
type pendingResults struct {
	mu      sync.Mutex
	waiters map[models.ResponseID]func(backend.ServerResult)
}

func (p *pendingResults) add(id models.ResponseID, fn func(backend.ServerResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiters == nil {
		p.waiters = make(map[models.ResponseID]func(backend.ServerResult))
	}
	p.waiters[id] = fn
}

func (p *pendingResults) remove(id models.ResponseID) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// Deliver is the backend's server result handler.
func (p *pendingResults) Deliver(res backend.ServerResult) {
	if len(res.ResponseIDs) == 0 {
		return
	}
	p.mu.Lock()
	fn, ok := p.waiters[res.ResponseIDs[0]]
	for _, id := range res.ResponseIDs {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		fn(res)
	}
}

// sampleBatch is a set of decoded samples with the ids minted for them.
type sampleBatch struct {
	images  []image.Image
	samples []models.SampleIndex
	ids     []models.ResponseID
	names   map[models.ResponseID]string
}

func (s *AppState) addRoutes(r *mux.Router) {
	r.HandleFunc("/v1/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/v1/offline", s.handleBatch(backend.Offline)).Methods("POST")
	r.HandleFunc("/v1/multistream", s.handleBatch(backend.MultiStream)).Methods("POST")
	r.HandleFunc("/v1/server", s.handleServer).Methods("POST")
	r.HandleFunc("/v1/server/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/v1/reset", s.handleReset).Methods("POST")
	s.addMonitoringRoutes(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	if s.Debug {
		s.Logger.Debug("processing times",
			zap.String("request_id", t.RequestID),
			zap.Duration("preprocess", t.Preprocess),
			zap.Duration("inference", t.Inference),
			zap.Duration("postprocess", t.Postprocess),
			zap.Duration("total", t.Total),
		)
	}
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "predict")
	defer span.End()

	req, ok := s.readRequest(w, r, 1)
	if !ok {
		return
	}
	s.run(ctx, w, req, func(ctx context.Context, in []models.Input) (any, error) {
		if s.Backend.Family().IsDetection() {
			return s.Backend.PredictDetection(ctx, in[0])
		}
		return s.Backend.PredictClassification(ctx, in[0])
	})
}

func (s *AppState) handleBatch(sc backend.Scenario) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "predict_"+sc.String())
		defer span.End()

		req, ok := s.readRequest(w, r, 0)
		if !ok {
			return
		}
		span.SetAttributes(attribute.Int("samples", len(req.Samples)))
		s.run(ctx, w, req, func(ctx context.Context, in []models.Input) (any, error) {
			detection := s.Backend.Family().IsDetection()
			switch {
			case sc == backend.Offline && detection:
				return s.Backend.PredictOfflineDetection(ctx, in, req.WarmUp)
			case sc == backend.Offline:
				return s.Backend.PredictOfflineClassification(ctx, in, req.WarmUp)
			case detection:
				return s.Backend.PredictMultiStreamDetection(ctx, in, req.WarmUp)
			default:
				return s.Backend.PredictMultiStreamClassification(ctx, in, req.WarmUp)
			}
		})
	}
}

// handleServer submits one sample and blocks until its completion arrives.
func (s *AppState) handleServer(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "predict_Server")
	defer span.End()

	req, ok := s.readRequest(w, r, 1)
	if !ok {
		return
	}
	s.run(ctx, w, req, func(ctx context.Context, in []models.Input) (any, error) {
		id := in[0].ResponseIDs[0]
		done := make(chan backend.ServerResult, 1)
		s.pending.add(id, func(res backend.ServerResult) { done <- res })
		defer s.pending.remove(id)

		if err := s.Backend.PredictServer(ctx, in[0], req.WarmUp); err != nil {
			return nil, err
		}
		if req.WarmUp {
			return models.DetectionResult{}, nil
		}
		select {
		case res := <-done:
			return serverPayload(res)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func serverPayload(res backend.ServerResult) (any, error) {
	switch {
	case res.Err != nil:
		return nil, res.Err
	case res.Detection != nil:
		return *res.Detection, nil
	case res.Classification != nil:
		return *res.Classification, nil
	}
	return models.DetectionResult{}, nil
}

type predictFunc func(ctx context.Context, in []models.Input) (any, error)

// run prepares the samples of req, calls predict and writes the per-sample
// results.
func (s *AppState) run(ctx context.Context, w http.ResponseWriter, req *PredictRequest, predict predictFunc) {
	start := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	batch, err := s.decodeSamples(req.Samples)
	if err != nil {
		sendErrorResponse(w, CodeInvalidImage, "Failed to decode image", err.Error(), http.StatusBadRequest)
		return
	}

	prepStart := time.Now()
	inputs, err := s.prepare(ctx, batch)
	timings.Preprocess = time.Since(prepStart)
	if err != nil {
		s.sendError(ctx, w, err)
		return
	}

	inferStart := time.Now()
	out, err := predict(ctx, inputs)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		s.sendError(ctx, w, err)
		return
	}

	postStart := time.Now()
	results, err := buildResults(out, batch)
	timings.Postprocess = time.Since(postStart)
	if err != nil {
		s.sendError(ctx, w, err)
		return
	}

	timings.Total = time.Since(start)
	s.logTimings(timings)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PredictResponse{RequestID: timings.RequestID, Results: results})
}

func (s *AppState) readRequest(w http.ResponseWriter, r *http.Request, limit int) (*PredictRequest, bool) {
	if !s.ready.Load() {
		sendErrorResponse(w, CodeNotReady, MsgNotReady, "", http.StatusServiceUnavailable)
		return nil, false
	}
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, CodeInvalidRequest, err.Error(), "", http.StatusBadRequest)
		return nil, false
	}
	if len(req.Samples) == 0 {
		sendErrorResponse(w, CodeInvalidRequest, MsgNoSamples, "", http.StatusBadRequest)
		return nil, false
	}
	if limit > 0 && len(req.Samples) > limit {
		sendErrorResponse(w, CodeInvalidRequest, MsgTooManySamples, "", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (s *AppState) decodeSamples(samples []Sample) (*sampleBatch, error) {
	batch := &sampleBatch{names: make(map[models.ResponseID]string, len(samples))}
	for _, smp := range samples {
		img, err := preprocess.DecodeBase64(smp.Image)
		if err != nil {
			return nil, err
		}
		id := models.ResponseID(s.ids.Add(1))
		name := smp.ResponseID
		if name == "" {
			name = uuid.NewString()
		}
		batch.images = append(batch.images, img)
		batch.samples = append(batch.samples, models.SampleIndex(smp.SampleIndex))
		batch.ids = append(batch.ids, id)
		batch.names[id] = name
	}
	return batch, nil
}

// prepare packs the samples into inputs of the backend's batch size; the last
// input is zero padded.
func (s *AppState) prepare(ctx context.Context, batch *sampleBatch) ([]models.Input, error) {
	size := s.Backend.BatchSize()
	var inputs []models.Input
	for i := 0; i < len(batch.images); i += size {
		end := min(i+size, len(batch.images))
		data, err := s.Prep.ProcessBatch(ctx, batch.images[i:end], size)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, models.Input{
			Data:        data,
			SampleIdxs:  batch.samples[i:end],
			ResponseIDs: batch.ids[i:end],
		})
	}
	return inputs, nil
}

func buildResults(out any, batch *sampleBatch) ([]SampleResult, error) {
	switch res := out.(type) {
	case models.DetectionResult:
		groups, err := detections.Split(res)
		if err != nil {
			return nil, err
		}
		results := make([]SampleResult, 0, len(groups))
		for i, g := range groups {
			r := SampleResult{ResponseID: batch.names[res.ResponseIDs[i]], Detections: g}
			r.SampleIndex = sampleFor(batch, res.ResponseIDs[i])
			results = append(results, r)
		}
		return results, nil
	case models.ClassificationResult:
		results := make([]SampleResult, 0, len(res.Labels))
		for i := range res.Labels {
			label := res.Labels[i]
			results = append(results, SampleResult{
				SampleIndex: sampleFor(batch, res.ResponseIDs[i]),
				ResponseID:  batch.names[res.ResponseIDs[i]],
				Label:       &label,
			})
		}
		return results, nil
	}
	return nil, errors.New("unexpected result type")
}

func sampleFor(batch *sampleBatch, id models.ResponseID) uint64 {
	for i, v := range batch.ids {
		if v == id {
			return uint64(batch.samples[i])
		}
	}
	return 0
}

func (s *AppState) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Backend.Reset(); err != nil {
		s.sendError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics, pooled := s.Backend.PoolMetrics()
	response := map[string]interface{}{
		"engine":        s.Backend.Name(),
		"workload":      s.Backend.Family().Name,
		"scenario":      s.Backend.Scenario().String(),
		"image_format":  s.Backend.ImageFormat(),
		"host_features": preprocess.HostFeatures(),
	}
	if pooled {
		response["pool"] = metrics
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		sendErrorResponse(w, CodeNotReady, MsgNotReady, "", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// errorStatus maps backend errors onto the public error codes.
func errorStatus(err error) (string, string, int) {
	switch {
	case errors.Is(err, slots.ErrSaturated):
		return CodeCapacity, MsgCapacity, http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrNotLoaded):
		return CodeNotReady, MsgNotReady, http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrScenario), errors.Is(err, backend.ErrWrongKind):
		return CodeScenarioMismatch, err.Error(), http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout, err.Error(), http.StatusGatewayTimeout
	}
	return CodeProcessing, err.Error(), http.StatusInternalServerError
}

func (s *AppState) sendError(ctx context.Context, w http.ResponseWriter, err error) {
	code, message, status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		s.Logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	sendErrorResponse(w, code, message, "", status)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

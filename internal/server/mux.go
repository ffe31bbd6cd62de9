// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the zapp
// proxy. It exposes the generation and edit endpoints for both upstream
// providers, in synchronous and streaming forms, plus history and
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AppleLamps/zapp/internal/catalog"
	"github.com/AppleLamps/zapp/internal/config"
	errordefs "github.com/AppleLamps/zapp/internal/errors"
	"github.com/AppleLamps/zapp/internal/event"
	"github.com/AppleLamps/zapp/internal/history"
	"github.com/AppleLamps/zapp/internal/identity"
	"github.com/AppleLamps/zapp/internal/media"
	"github.com/AppleLamps/zapp/internal/metrics"
	"github.com/AppleLamps/zapp/internal/model"
	"github.com/AppleLamps/zapp/internal/ratelimit"
	"github.com/AppleLamps/zapp/internal/relay"
	"github.com/AppleLamps/zapp/internal/upstream"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeySubject       ContextKey = "subject"       // Stores the resolved caller
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Limits for the history listing
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Mux handles HTTP requests for the zapp proxy. It holds the upstream
// clients and the supporting services every handler needs.
type Mux struct {
	mux      *http.ServeMux     // HTTP request multiplexer
	cfg      config.Config      // Environment-driven settings
	limiter  *ratelimit.Limiter // Per-subject, per-scope admission control
	history  history.Recorder   // Terminal outcome persistence
	pub      event.Publisher    // Job event publisher
	resolver *identity.Resolver // Caller resolution (optional auth)
	catalog  *catalog.Catalog   // Known models and endpoints
	mirror   *media.Mirror      // S3 asset mirror, nil when unconfigured
	metrics  *metrics.Metrics   // Metrics for monitoring

	fal  upstream.JobClient // Queue-based provider
	chat upstream.JobClient // Synchronous chat provider
}

// NewMux creates a new HTTP mux with all proxy endpoints.
func NewMux(cfg config.Config, rec history.Recorder, pub event.Publisher, limiter *ratelimit.Limiter, resolver *identity.Resolver, cat *catalog.Catalog, mirror *media.Mirror, fal, chat upstream.JobClient) *http.ServeMux {
	m := &Mux{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		limiter:  limiter,
		history:  rec,
		pub:      pub,
		resolver: resolver,
		catalog:  cat,
		mirror:   mirror,
		metrics:  metrics.NewMetrics(),
		fal:      fal,
		chat:     chat,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Generation endpoints, synchronous and streaming
	m.mux.HandleFunc("/v1/fal/generate", m.method("POST", m.withMiddleware(m.handleJob(model.ProviderFal, model.ModeGenerate, false))))
	m.mux.HandleFunc("/v1/fal/generate/stream", m.method("POST", m.withMiddleware(m.handleJob(model.ProviderFal, model.ModeGenerate, true))))
	m.mux.HandleFunc("/v1/fal/edit", m.method("POST", m.withMiddleware(m.handleJob(model.ProviderFal, model.ModeEdit, false))))
	m.mux.HandleFunc("/v1/fal/edit/stream", m.method("POST", m.withMiddleware(m.handleJob(model.ProviderFal, model.ModeEdit, true))))
	m.mux.HandleFunc("/v1/openrouter/generate", m.method("POST", m.withMiddleware(m.handleJob(model.ProviderOpenRouter, model.ModeGenerate, false))))
	m.mux.HandleFunc("/v1/openrouter/edit", m.method("POST", m.withMiddleware(m.handleJob(model.ProviderOpenRouter, model.ModeEdit, false))))

	// History and catalog
	m.mux.HandleFunc("/v1/history", m.withMiddleware(m.handleHistory))
	m.mux.HandleFunc("/v1/models", m.method("GET", m.withMiddleware(m.handleModels)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != "OPTIONS" {
			err := errordefs.New(errordefs.ZAPP_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusWriter captures the response status for logging and metrics.
// It deliberately has no Flush method: a transport that cannot flush
// must stay detectable behind the middleware, or streaming handlers
// would buffer frames invisibly.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// flushStatusWriter adds Flush on top of statusWriter. Used only when
// the wrapped writer itself supports flushing.
type flushStatusWriter struct {
	*statusWriter
}

func (w *flushStatusWriter) Flush() {
	w.ResponseWriter.(http.Flusher).Flush()
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == "OPTIONS" {
			m.setCORSHeaders(w, r)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusOK)
			return
		}

		m.setCORSHeaders(w, r)

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)

		// Resolve the caller. Invalid or absent credentials degrade to an
		// anonymous subject; resolution never rejects the request.
		subject := m.resolver.Resolve(r)
		ctx = context.WithValue(ctx, ContextKeySubject, subject)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		var rw http.ResponseWriter = sw
		if _, ok := w.(http.Flusher); ok {
			rw = &flushStatusWriter{sw}
		}
		h(rw, r)

		duration := time.Since(start)
		status := strconv.Itoa(sw.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration.Seconds())
		m.logRequest(r, sw.status, duration, correlationID)
	}
}

// setCORSHeaders sets the allow-origin header when the request's origin
// is in the configured allowlist.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(m.cfg.CORSAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range m.cfg.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			return
		}
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response following the zapp error
// taxonomy. Rate-limit errors additionally carry retry headers.
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	if err.Code == errordefs.ZAPP_RATE_LIMIT && !err.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(err.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(err.ResetAt.Unix(), 10))
	}
	w.WriteHeader(err.HTTPStatus)
	inner := map[string]interface{}{
		"code":          string(err.Code),
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		inner["details"] = err.Details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": inner})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if subject, ok := r.Context().Value(ContextKeySubject).(identity.Subject); ok {
		attrs = append(attrs, slog.String("subject", subject.Key()))
	}

	if status >= 500 {
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// An empty listing exercises the history store end to end.
	if _, err := m.history.List(ctx, "health-check", 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleModels lists the catalog entries.
func (m *Mux) handleModels(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, m.catalog.All())
}

// jobInput is the normalized, validated input of one generation request.
type jobInput struct {
	entry    catalog.Entry
	prompt   string
	imageRef string
	aspect   string
	params   map[string]any
}

// parseJobInput decodes and validates the request body for the given
// provider and mode. Validation failures come back as taxonomy errors.
func (m *Mux) parseJobInput(r *http.Request, provider model.Provider, mode model.Mode, correlationID string) (*jobInput, *errordefs.Error) {
	in := &jobInput{}
	var requested string

	switch mode {
	case model.ModeGenerate:
		var req model.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errordefs.New(errordefs.ZAPP_BAD_REQUEST, "invalid JSON", correlationID)
		}
		in.prompt = strings.TrimSpace(req.Prompt)
		in.aspect = req.AspectRatio
		in.params = req.Params
		requested = req.Endpoint
		if provider == model.ProviderOpenRouter {
			requested = req.Model
		}
	case model.ModeEdit:
		var req model.EditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errordefs.New(errordefs.ZAPP_BAD_REQUEST, "invalid JSON", correlationID)
		}
		in.prompt = strings.TrimSpace(req.Prompt)
		in.imageRef = req.ImageRef()
		in.params = req.Params
		requested = req.Endpoint
		if provider == model.ProviderOpenRouter {
			requested = req.Model
		}
		if in.imageRef == "" {
			return nil, errordefs.New(errordefs.ZAPP_VALIDATION, "imageUrl or imageBase64 is required", correlationID)
		}
	}

	if in.prompt == "" {
		return nil, errordefs.New(errordefs.ZAPP_VALIDATION, "prompt is required", correlationID)
	}
	if in.aspect != "" && !model.ValidAspectRatio(in.aspect) {
		return nil, errordefs.New(errordefs.ZAPP_VALIDATION, fmt.Sprintf("invalid aspect ratio %q", in.aspect), correlationID)
	}

	entry, err := m.catalog.Resolve(provider, mode, requested)
	if err != nil {
		return nil, errordefs.New(errordefs.ZAPP_VALIDATION, err.Error(), correlationID)
	}
	if err := entry.ValidateParams(in.params); err != nil {
		return nil, errordefs.New(errordefs.ZAPP_VALIDATION, err.Error(), correlationID)
	}
	in.entry = entry

	return in, nil
}

// admit checks the credential and consumes rate-limit quota, in that
// order. Field validation has already happened; a misconfigured server
// must not burn the caller's quota.
func (m *Mux) admit(ctx context.Context, provider model.Provider, mode model.Mode, subject identity.Subject, correlationID string) *errordefs.Error {
	apiKey := m.cfg.FalAPIKey
	if provider == model.ProviderOpenRouter {
		apiKey = m.cfg.OpenRouterAPIKey
	}
	if apiKey == "" {
		return errordefs.New(errordefs.ZAPP_CONFIG, fmt.Sprintf("%s API key is not configured", provider), correlationID)
	}

	return m.consumeQuota(ctx, mode, subject, correlationID)
}

// consumeQuota consumes one unit of the subject's quota for the mode's
// scope. Client-reported history shares the scope with the generation
// routes, so reporting an outcome and producing one draw from the same
// window.
func (m *Mux) consumeQuota(ctx context.Context, mode model.Mode, subject identity.Subject, correlationID string) *errordefs.Error {
	decision, err := m.limiter.Check(ctx, subject.Key(), string(mode), subject.Authenticated)
	if err != nil {
		// Fail open: a broken limiter store must not take the service down.
		slog.Warn("rate limit store error, admitting request", "error", err)
		m.metrics.RateLimitDecisionTotal.WithLabelValues(string(mode), "error").Inc()
		return nil
	}
	if !decision.Allowed {
		m.metrics.RateLimitDecisionTotal.WithLabelValues(string(mode), "denied").Inc()
		return errordefs.NewRateLimited(correlationID, decision.Remaining, decision.ResetAt)
	}
	m.metrics.RateLimitDecisionTotal.WithLabelValues(string(mode), "allowed").Inc()
	return nil
}

// handleJob builds the handler for one provider, mode, and delivery
// style. All six generation routes share this path; the provider
// difference is entirely behind the JobClient interface.
func (m *Mux) handleJob(provider model.Provider, mode model.Mode, streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("zapp-proxy").Start(r.Context(), fmt.Sprintf("%s.%s", provider, mode))
		defer span.End()
		defer r.Body.Close()

		correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
		subject, _ := ctx.Value(ContextKeySubject).(identity.Subject)

		in, verr := m.parseJobInput(r, provider, mode, correlationID)
		if verr != nil {
			span.SetStatus(codes.Error, verr.Message)
			m.writeErrorDef(w, verr)
			return
		}

		span.SetAttributes(
			attribute.String("provider", string(provider)),
			attribute.String("mode", string(mode)),
			attribute.String("model_or_endpoint", in.entry.ID),
			attribute.Bool("streaming", streaming),
			attribute.Bool("authenticated", subject.Authenticated),
		)

		if aerr := m.admit(ctx, provider, mode, subject, correlationID); aerr != nil {
			span.SetStatus(codes.Error, aerr.Message)
			m.writeErrorDef(w, aerr)
			return
		}

		jreq := upstream.JobRequest{
			ModelOrEndpoint: in.entry.ID,
			Prompt:          in.prompt,
			ImageRef:        in.imageRef,
			AspectRatio:     in.aspect,
			Params:          in.params,
		}
		client := m.fal
		if provider == model.ProviderOpenRouter {
			client = m.chat
		}

		if streaming {
			m.runStreaming(ctx, w, client, jreq, provider, mode, subject, correlationID, span)
			return
		}
		m.runSync(ctx, w, client, jreq, provider, mode, subject, correlationID, span)
	}
}

// runSync submits the job and writes the unified JSON result.
func (m *Mux) runSync(ctx context.Context, w http.ResponseWriter, client upstream.JobClient, jreq upstream.JobRequest, provider model.Provider, mode model.Mode, subject identity.Subject, correlationID string, span trace.Span) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	res, err := client.Submit(ctx, jreq, nil)
	duration := time.Since(start)

	if err != nil {
		if upstream.IsCancellation(err) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Caller went away; there is no one left to answer.
			slog.Info("request cancelled", "provider", provider, "mode", mode, "correlation_id", correlationID)
			m.metrics.UpstreamCallTotal.WithLabelValues(string(provider), string(mode), "cancelled").Inc()
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Our own time budget, not the caller's cancellation.
			err = fmt.Errorf("upstream call exceeded the request time budget")
		}
		span.SetStatus(codes.Error, err.Error())
		m.metrics.UpstreamCallTotal.WithLabelValues(string(provider), string(mode), "error").Inc()
		m.metrics.UpstreamCallDuration.WithLabelValues(string(provider), string(mode), "error").Observe(duration.Seconds())
		m.recordOutcome(subject, provider, mode, jreq, nil, err, duration)

		var ue *upstream.Error
		if errors.As(err, &ue) && len(ue.Raw) > 0 {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.ZAPP_UPSTREAM, ue.Message, correlationID, json.RawMessage(ue.Raw)))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_UPSTREAM, err.Error(), correlationID))
		return
	}

	m.metrics.UpstreamCallTotal.WithLabelValues(string(provider), string(mode), "completed").Inc()
	m.metrics.UpstreamCallDuration.WithLabelValues(string(provider), string(mode), "completed").Observe(duration.Seconds())
	m.recordOutcome(subject, provider, mode, jreq, res, nil, duration)

	images := make([]string, 0, len(res.Assets))
	for _, a := range res.Assets {
		images = append(images, a.Ref())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.GenerateResponse{
		Images:    images,
		RequestID: res.RequestID,
		Logs:      res.Logs,
		Raw:       res.Data,
	})
}

// runStreaming relays the job over server-sent events. Admission errors
// have already been answered as plain JSON; from here on the only client
// surface is the event stream.
func (m *Mux) runStreaming(ctx context.Context, w http.ResponseWriter, client upstream.JobClient, jreq upstream.JobRequest, provider model.Provider, mode model.Mode, subject identity.Subject, correlationID string, span trace.Span) {
	rel, err := relay.New(w)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_INTERNAL, err.Error(), correlationID))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.StreamTimeout)
	defer cancel()

	start := time.Now()
	res, err := rel.Run(ctx, client, jreq)
	duration := time.Since(start)

	if upstream.IsCancellation(err) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Our own time budget, not the caller's cancellation: the
			// stream still owes its terminal event.
			err = fmt.Errorf("upstream call exceeded the streaming time budget")
			rel.Error(err.Error())
		} else {
			slog.Info("stream cancelled", "provider", provider, "mode", mode, "correlation_id", correlationID)
			m.metrics.UpstreamCallTotal.WithLabelValues(string(provider), string(mode), "cancelled").Inc()
			m.metrics.RelayEventTotal.WithLabelValues("cancelled").Inc()
			return
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.metrics.UpstreamCallTotal.WithLabelValues(string(provider), string(mode), "error").Inc()
		m.metrics.RelayEventTotal.WithLabelValues(relay.EventError).Inc()
		m.recordOutcome(subject, provider, mode, jreq, nil, err, duration)
		return
	}

	m.metrics.UpstreamCallTotal.WithLabelValues(string(provider), string(mode), "completed").Inc()
	m.metrics.RelayEventTotal.WithLabelValues(relay.EventCompleted).Inc()
	m.recordOutcome(subject, provider, mode, jreq, res, nil, duration)
}

// recordOutcome persists one terminal outcome and fans out the
// side-channel integrations. Everything here is best-effort and happens
// off the request path.
func (m *Mux) recordOutcome(subject identity.Subject, provider model.Provider, mode model.Mode, jreq upstream.JobRequest, res *upstream.JobResult, jobErr error, duration time.Duration) {
	entry := model.HistoryEntry{
		Provider:        provider,
		Mode:            mode,
		ModelOrEndpoint: jreq.ModelOrEndpoint,
		Prompt:          jreq.Prompt,
		Status:          "completed",
		CreatedAt:       time.Now().UTC(),
	}
	durationMS := duration.Milliseconds()
	entry.DurationMS = &durationMS
	if subject.Authenticated {
		userID := subject.UserID
		entry.UserID = &userID
	}
	if subject.IP != "" {
		ip := subject.IP
		entry.IP = &ip
	}
	applyParamFields(&entry, jreq.Params)

	if jobErr != nil {
		entry.Status = "error"
		msg := jobErr.Error()
		entry.Error = &msg
	}
	if res != nil {
		if res.RequestID != "" {
			requestID := res.RequestID
			entry.RequestID = &requestID
		}
		entry.RawResponse = res.Data
		for _, a := range res.Assets {
			if ref := a.Ref(); ref != "" {
				entry.ResultURLs = append(entry.ResultURLs, ref)
			}
		}
	}

	history.RecordAsync(m.history, entry)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.pub.PublishJobCompleted(ctx, entry); err != nil {
			slog.Warn("failed to publish job event", "provider", provider, "error", err)
		}
	}()
	m.mirror.MirrorAsync(entry.ResultURLs)
}

// applyParamFields lifts the well-known tuning parameters out of the
// open params object into their history columns.
func applyParamFields(entry *model.HistoryEntry, params map[string]any) {
	if params == nil {
		return
	}
	if v, ok := params["negative_prompt"].(string); ok && v != "" {
		entry.NegativePrompt = &v
	}
	if v, ok := params["guidance_scale"].(float64); ok {
		entry.GuidanceScale = &v
	}
	if v, ok := params["seed"].(float64); ok {
		seed := int64(v)
		entry.Seed = &seed
	}
	if v, ok := params["num_images"].(float64); ok {
		n := int64(v)
		entry.NumImages = &n
	}
}

// handleHistory dispatches the history listing and the client-reported
// outcome recording.
func (m *Mux) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		m.handleListHistory(w, r)
	case "POST":
		m.handleRecordHistory(w, r)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_BAD_REQUEST, "method not allowed", ""))
	}
}

// handleListHistory handles GET /v1/history
func (m *Mux) handleListHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
	subject, _ := ctx.Value(ContextKeySubject).(identity.Subject)

	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxHistoryLimit {
			m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_VALIDATION, fmt.Sprintf("limit must be between 1 and %d", MaxHistoryLimit), correlationID))
			return
		}
		limit = n
	}

	items, err := m.history.List(ctx, subject.Key(), limit)
	if err != nil {
		slog.Error("failed to list history", "error", err, "correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_INTERNAL, "failed to list history", correlationID))
		return
	}
	if items == nil {
		items = []model.HistoryListItem{}
	}

	m.writeSuccess(w, http.StatusOK, items)
}

// handleRecordHistory handles POST /v1/history. Clients report outcomes
// the proxy did not observe itself, e.g. direct provider calls made with
// scoped client keys.
func (m *Mux) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
	subject, _ := ctx.Value(ContextKeySubject).(identity.Subject)

	var req model.RecordHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_BAD_REQUEST, "invalid JSON", correlationID))
		return
	}

	if req.Provider != model.ProviderFal && req.Provider != model.ProviderOpenRouter {
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_VALIDATION, "provider must be fal or openrouter", correlationID))
		return
	}
	if req.Mode != model.ModeGenerate && req.Mode != model.ModeEdit {
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_VALIDATION, "mode must be generate or edit", correlationID))
		return
	}
	if req.Status != "completed" && req.Status != "error" {
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_VALIDATION, "status must be completed or error", correlationID))
		return
	}

	if lerr := m.consumeQuota(ctx, req.Mode, subject, correlationID); lerr != nil {
		m.writeErrorDef(w, lerr)
		return
	}

	entry := model.HistoryEntry{
		Provider:        req.Provider,
		Mode:            req.Mode,
		ModelOrEndpoint: req.ModelOrEndpoint,
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		GuidanceScale:   req.GuidanceScale,
		Seed:            req.Seed,
		NumImages:       req.NumImages,
		Status:          req.Status,
		DurationMS:      req.DurationMS,
		RequestID:       req.RequestID,
		RawResponse:     req.Raw,
		ResultURLs:      req.ResultURLs,
		Error:           req.Error,
		CreatedAt:       time.Now().UTC(),
	}
	if subject.Authenticated {
		userID := subject.UserID
		entry.UserID = &userID
	}
	if subject.IP != "" {
		ip := subject.IP
		entry.IP = &ip
	}

	id, err := m.history.Record(ctx, entry)
	if err != nil {
		slog.Error("failed to record history entry", "error", err, "correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.ZAPP_INTERNAL, "failed to record history entry", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusCreated, map[string]interface{}{"id": id})
}

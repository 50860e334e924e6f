package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brify/api/internal/auth"
	"brify/api/internal/drivesync"
	"brify/api/internal/logging"
	"brify/api/internal/rbac"
	"brify/api/internal/search"
	"brify/api/internal/util"
)

const (
	apiRateLimit       = 120
	apiRateWindow      = time.Minute
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(s.withMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(s.corsOrigin),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(apiRateLimit, apiRateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			}),
		))
		r.Use(s.requireSession)

		r.With(s.require(rbac.ActionInitialize)).Post("/api/sync/initialize", s.handleInitialize)
		r.With(s.require(rbac.ActionDetect)).Get("/api/sync/discrepancies", s.handleDiscrepancies)
		r.With(s.require(rbac.ActionApply)).Post("/api/sync/apply", s.handleApply)
		r.With(s.require(rbac.ActionReadStats)).Get("/api/sync/stats", s.handleStats)
		r.With(s.require(rbac.ActionSearch)).Get("/api/documents/search", s.handleSearch)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleInitialize(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	stats, err := s.service.InitializeSync(r.Context(), session.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsView(stats))
}

func (s *HTTPServer) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	diff, err := s.service.DetectDiscrepancies(r.Context(), session.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diffView(diff))
}

func (s *HTTPServer) handleApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileIDs []string `json:"fileIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session := sessionFrom(r.Context())
	result, err := s.service.ApplySync(r.Context(), session.Owner, body.FileIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultView(result))
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	stats, err := s.service.SyncStats(r.Context(), session.Owner)
	if errors.Is(err, drivesync.ErrNotReady) {
		writeError(w, http.StatusConflict, "SYNC_NOT_READY", "Initialize the sync service first", statsView(stats))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsView(stats))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "QUERY_REQUIRED", "Query parameter q is required", nil)
		return
	}
	limit, err := intParam(query.Get("limit"), defaultSearchLimit)
	if err != nil || limit < 1 || limit > maxSearchLimit {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", fmt.Sprintf("limit must be between 1 and %d", maxSearchLimit), nil)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_OFFSET", "offset must not be negative", nil)
		return
	}

	session := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, s.service.SearchDocuments(r.Context(), search.Query{
		Text:          text,
		OwnerEmail:    session.Owner,
		FilterService: strings.TrimSpace(query.Get("service")),
		Limit:         limit,
		Offset:        offset,
	}))
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

// Session is the administrator a request acts for.
type Session struct {
	Owner     string
	Name      string
	Role      rbac.Role
	ExpiresAt time.Time
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken([]byte(s.service.cfg.JWTSecret), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session := Session{
			Owner:     claims.Sub,
			Name:      claims.Name,
			Role:      rbac.Normalize(claims.Role),
			ExpiresAt: time.Unix(claims.Exp, 0),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) require(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sessionFrom(r.Context())
			if !rbac.Can(session.Role, action) {
				logging.Ctx(r.Context()).Warn().
					Str("owner", session.Owner).
					Str("role", string(session.Role)).
					Str("action", string(action)).
					Msg("request forbidden")
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = util.NewID("req")
		}
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setResponseHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func corsOrigins(origin string) []string {
	origins := make([]string, 0)
	for _, part := range strings.Split(origin, ",") {
		if part = strings.TrimSpace(part); part != "" {
			origins = append(origins, part)
		}
	}
	return origins
}

func setResponseHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func intParam(raw string, fallback int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

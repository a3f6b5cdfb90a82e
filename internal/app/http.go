package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

const actorHeader = "X-Actor-ID"

// actorVerifier resolves a bearer token to an actor ID.
type actorVerifier interface {
	Verify(token string) (string, error)
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    http.Handler
	tokens     actorVerifier
}

// NewHTTPServer builds the JSON adapter. metricsHandler may be nil.
func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger, metricsHandler http.Handler) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger, metrics: metricsHandler}
}

// WithTokens requires a signed bearer token on every API call instead of
// trusting the actor header.
func (s *HTTPServer) WithTokens(tokens actorVerifier) *HTTPServer {
	s.tokens = tokens
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/documents", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Post("/", s.handleCreateDocument)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Patch("/", s.handleUpdateDocument)
			r.Get("/versions", s.handleListVersions)
			r.Post("/versions", s.handlePublish)
			r.Get("/versions/{version}", s.handleGetVersion)
			r.Get("/history", s.handleHistory)
			r.Get("/files", s.handleDocumentFiles)
			r.Get("/content", s.handleDocumentContent)
			r.Post("/forks", s.handleCreateFork)
		})
	})

	r.Route("/api/forks", func(r chi.Router) {
		r.Get("/", s.handleListForks)
		r.Route("/{forkID}", func(r chi.Router) {
			r.Get("/", s.handleGetFork)
			r.Delete("/", s.handleDeleteFork)
			r.Get("/status", s.handleForkStatus)
			r.Post("/sync", s.handleSyncFork)
			r.Get("/files", s.handleForkFiles)
			r.Put("/files", s.handleEditFork)
			r.Post("/proposals", s.handleCreateProposal)
		})
	})

	r.Route("/api/proposals", func(r chi.Router) {
		r.Get("/", s.handleListProposals)
		r.Route("/{proposalID}", func(r chi.Router) {
			r.Get("/", s.handleGetProposal)
			r.Post("/open", s.handleOpenProposal)
			r.Post("/merge", s.handleMergeProposal)
			r.Post("/close", s.handleCloseProposal)
		})
	})

	r.Get("/api/notifications", s.handleNotifications)

	return cors.New(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", actorHeader, "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(r)
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

type fileBody struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Delete   bool   `json:"delete"`
}

func toFileInputs(files []fileBody) ([]FileInput, error) {
	out := make([]FileInput, 0, len(files))
	for _, file := range files {
		input := FileInput{Path: file.Path, Delete: file.Delete}
		switch file.Encoding {
		case "", "utf-8", "utf8":
			input.Content = []byte(file.Content)
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(file.Content)
			if err != nil {
				return nil, fmt.Errorf("file %s: invalid base64 content", file.Path)
			}
			input.Content = decoded
		default:
			return nil, fmt.Errorf("file %s: unknown encoding %q", file.Path, file.Encoding)
		}
		out = append(out, input)
	}
	return out, nil
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	docs, err := s.service.ListDocuments(r.Context(), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(docs, documentView)})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		Tags        []string   `json:"tags"`
		Message     string     `json:"message"`
		Files       []fileBody `json:"files"`
	}
	if !readBody(w, r, &body) {
		return
	}
	files, err := toFileInputs(body.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), actor, CreateDocumentInput{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
		Files:       files,
		Message:     body.Message,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	doc, err := s.service.GetDocument(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if !readBody(w, r, &body) {
		return
	}
	doc, err := s.service.UpdateDocument(r.Context(), actor, chi.URLParam(r, "documentID"), UpdateDocumentInput{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	versions, err := s.service.ListVersions(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(versions, versionView)})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	number, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_VERSION", "version must be an integer", nil)
		return
	}
	version, err := s.service.GetVersion(r.Context(), chi.URLParam(r, "documentID"), number)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionView(version))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	commits, err := s.service.History(r.Context(), chi.URLParam(r, "documentID"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(commits, commitView)})
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Message string     `json:"message"`
		Files   []fileBody `json:"files"`
	}
	if !readBody(w, r, &body) {
		return
	}
	files, err := toFileInputs(body.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	version, err := s.service.PublishDocument(r.Context(), actor, chi.URLParam(r, "documentID"), files, body.Message)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionView(version))
}

func (s *HTTPServer) handleDocumentFiles(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	version, ok := queryInt(w, r, "version")
	if !ok {
		return
	}
	files, err := s.service.FileSetAsOf(r.Context(), chi.URLParam(r, "documentID"), version)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(files, fileView)})
}

func (s *HTTPServer) handleDocumentContent(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	version, ok := queryInt(w, r, "version")
	if !ok {
		return
	}
	content, file, err := s.service.FileContent(r.Context(), chi.URLParam(r, "documentID"), r.URL.Query().Get("path"), version)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	payload := fileView(file)
	if file.Binary || !utf8.Valid(content) {
		payload["encoding"] = "base64"
		payload["content"] = base64.StdEncoding.EncodeToString(content)
	} else {
		payload["encoding"] = "utf-8"
		payload["content"] = string(content)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateFork(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	fork, err := s.service.CreateFork(r.Context(), actor, chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, forkView(fork))
}

func (s *HTTPServer) handleListForks(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	forks, err := s.service.ListForks(r.Context(), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(forks, forkView)})
}

func (s *HTTPServer) handleGetFork(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	fork, err := s.service.GetFork(r.Context(), actor, chi.URLParam(r, "forkID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forkView(fork))
}

func (s *HTTPServer) handleDeleteFork(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteFork(r.Context(), actor, chi.URLParam(r, "forkID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleForkStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	status, err := s.service.Staleness(r.Context(), actor, chi.URLParam(r, "forkID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleSyncFork(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	result, err := s.service.SyncFork(r.Context(), actor, chi.URLParam(r, "forkID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleForkFiles(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	files, err := s.service.ListForkFiles(r.Context(), actor, chi.URLParam(r, "forkID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(files, fileView)})
}

func (s *HTTPServer) handleEditFork(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Files []fileBody `json:"files"`
	}
	if !readBody(w, r, &body) {
		return
	}
	files, err := toFileInputs(body.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	records, err := s.service.EditFork(r.Context(), actor, chi.URLParam(r, "forkID"), files)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(records, fileView)})
}

func (s *HTTPServer) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Title         string   `json:"title"`
		Description   string   `json:"description"`
		CommitMessage string   `json:"commitMessage"`
		Paths         []string `json:"paths"`
		Draft         bool     `json:"draft"`
	}
	if !readBody(w, r, &body) {
		return
	}
	proposal, err := s.service.CreateProposal(r.Context(), actor, CreateProposalInput{
		ForkID:        chi.URLParam(r, "forkID"),
		Title:         body.Title,
		Description:   body.Description,
		CommitMessage: body.CommitMessage,
		Paths:         body.Paths,
		Draft:         body.Draft,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalView(proposal))
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	query := r.URL.Query()
	proposals, err := s.service.ListProposals(r.Context(), actor, ProposalQuery{
		AsOwner:    query.Get("role") == "owner",
		DocumentID: query.Get("documentId"),
		Status:     query.Get("status"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapEach(proposals, proposalView)})
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	proposal, err := s.service.GetProposal(r.Context(), actor, chi.URLParam(r, "proposalID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalView(proposal))
}

func (s *HTTPServer) handleOpenProposal(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	proposal, err := s.service.OpenProposal(r.Context(), actor, chi.URLParam(r, "proposalID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalView(proposal))
}

func (s *HTTPServer) handleMergeProposal(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		MergeMessage string `json:"mergeMessage"`
	}
	if !readBody(w, r, &body) {
		return
	}
	version, err := s.service.MergeProposal(r.Context(), actor, chi.URLParam(r, "proposalID"), body.MergeMessage)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionView(version))
}

func (s *HTTPServer) handleCloseProposal(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	proposal, err := s.service.CloseProposal(r.Context(), actor, chi.URLParam(r, "proposalID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalView(proposal))
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SINCE", "since must be an RFC3339 timestamp", nil)
			return
		}
		since = parsed
	}
	items, err := s.service.Notifications(r.Context(), actor, since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
			"actor_id", r.Header.Get(actorHeader),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.tokens != nil {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
			return "", false
		}
		actor, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
			return "", false
		}
		return actor, true
	}
	actor := strings.TrimSpace(r.Header.Get(actorHeader))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing "+actorHeader+" header", nil)
		return "", false
	}
	return actor, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", key+" must be a non-negative integer", nil)
		return 0, false
	}
	return value, true
}

func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
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
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 32<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"go-case-intake/intake"
	"go-case-intake/logging"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_DECODE = "failed to decode request body"
const ERR_CLIENT_COOKIE = "failed to issue client cookie"

const RequestIDHeader = "X-Request-ID"

// maxUploadSize bounds the multipart body of a file selection.
const maxUploadSize = 32 << 20

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
}

type ServerState struct {
	registry *Registry
	signer   ClientSigner
	secure   bool
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	}
	slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(state.clientMiddleware)

	api.HandleFunc("/state", state.handleState).Methods(http.MethodGet)

	api.HandleFunc("/steps/work-id", state.handleStep(intake.StepWorkID)).Methods(http.MethodPost)
	api.HandleFunc("/steps/name", state.handleStep(intake.StepName)).Methods(http.MethodPost)
	api.HandleFunc("/steps/date-of-birth", state.handleStep(intake.StepDateOfBirth)).Methods(http.MethodPost)

	api.HandleFunc("/intake/fields", state.handleFields).Methods(http.MethodPost)
	api.HandleFunc("/intake/files", state.handleFiles).Methods(http.MethodPost)
	api.HandleFunc("/intake/location", state.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/intake/submit", state.handleSubmit).Methods(http.MethodPost)

	api.HandleFunc("/preview/{session}", state.handleLoadPreview).Methods(http.MethodGet)
	api.HandleFunc("/preview/{session}", state.handleEditPreview).Methods(http.MethodPut)
	api.HandleFunc("/preview/{session}/confirm", state.handleConfirm).Methods(http.MethodPost)

	api.HandleFunc("/back", state.handleBack).Methods(http.MethodPost)
	api.HandleFunc("/landing", state.handleLanding).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler:      router,
		Addr:         addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

// middleware ------------

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))
	})
}

type clientIDKey struct{}

// clientMiddleware resolves the intake_client cookie, issuing a new client id
// when it is missing or does not verify.
func (state *ServerState) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		var clientID string
		if cookie, err := r.Cookie(ClientCookieName); err == nil {
			if clientID, err = state.signer.Verify(cookie.Value); err != nil {
				log.Warn("Discarding client cookie", "error", err)
				clientID = ""
			}
		}

		if clientID == "" {
			clientID = GenerateClientID()
			signed, err := state.signer.Sign(clientID)
			if err != nil {
				respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_CLIENT_COOKIE, err)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookieName,
				Value:    signed,
				Path:     "/",
				HttpOnly: true,
				Secure:   state.secure,
				SameSite: http.SameSiteLaxMode,
			})
			log.Info("Issued new client cookie", "client_id", clientID)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey{}, clientID)))
	})
}

func (state *ServerState) workflow(r *http.Request) *intake.Workflow {
	clientID, _ := r.Context().Value(clientIDKey{}).(string)
	return state.registry.Get(clientID)
}

// responses ------------

type RecordResponse struct {
	AgeIdentity     string             `json:"age_identity"`
	AccompIdent     string             `json:"accomp_ident"`
	StatusDisease   string             `json:"status_disease"`
	StatusCondition string             `json:"status_condition"`
	StatusSymptom   string             `json:"status_symptom"`
	Province        string             `json:"province"`
	District        string             `json:"district"`
	Position        *intake.Coordinate `json:"position"`
	Files           []string           `json:"files"`
}

func toRecordResponse(r intake.CaseRecord) RecordResponse {
	return RecordResponse{
		AgeIdentity:     r.AgeIdentity,
		AccompIdent:     r.AccompIdent,
		StatusDisease:   r.StatusDisease,
		StatusCondition: r.StatusCondition,
		StatusSymptom:   r.StatusSymptom,
		Province:        r.Province,
		District:        r.District,
		Position:        r.Position,
		Files:           r.FileNames(),
	}
}

type StateResponse struct {
	Stage    string          `json:"stage"`
	Session  string          `json:"session,omitempty"`
	HasToken bool            `json:"has_token"`
	StoredAt *time.Time      `json:"token_stored_at,omitempty"`
	Record   RecordResponse  `json:"record"`
	Preview  *RecordResponse `json:"preview,omitempty"`
}

type StepResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

type SubmitResponse struct {
	Session string `json:"session"`
	Stage   string `json:"stage"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// handlers ------------

func (state *ServerState) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := state.workflow(r).Snapshot(r.Context())
	if err != nil {
		respondWithIntakeErr(w, r, "failed to read workflow state", err)
		return
	}

	response := StateResponse{
		Stage:    snap.Stage.String(),
		Session:  string(snap.Session),
		HasToken: snap.HasToken,
		Record:   toRecordResponse(snap.Record),
	}
	if snap.HasToken {
		response.StoredAt = &snap.StoredAt
	}
	if snap.Preview != nil {
		preview := toRecordResponse(*snap.Preview)
		response.Preview = &preview
	}
	writeResponse(w, http.StatusOK, response)
}

func (state *ServerState) handleStep(step intake.Step) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer closeRequestBody(r)
		log := logging.FromContext(r.Context())

		var input intake.StepInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
			return
		}

		log.Info("Received verification step", "step", step)
		wf := state.workflow(r)
		transition, err := wf.VerifyStep(r.Context(), step, input)
		if err != nil {
			respondWithIntakeErr(w, r, "verification step failed", err)
			return
		}

		response := StepResponse{
			Success: transition.Advanced,
			Message: transition.Err,
			Stage:   transition.Stage().String(),
		}
		if !transition.Advanced {
			log.Info("Verification rejected", "step", step, "message", transition.Err)
		}
		writeResponse(w, http.StatusOK, response)
	}
}

func (state *ServerState) handleFields(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}

	for name := range fields {
		if !slices.Contains(intake.ScalarFields, name) {
			err := &intake.ValidationError{Field: name, Message: fmt.Sprintf("unknown field %q", name)}
			respondWithIntakeErr(w, r, "failed to set field", err)
			return
		}
	}

	wf := state.workflow(r)
	for _, name := range intake.ScalarFields {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if err := wf.SetField(name, value); err != nil {
			respondWithIntakeErr(w, r, "failed to set field", err)
			return
		}
	}

	state.writeRecord(w, r)
}

func (state *ServerState) handleFiles(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid upload", "failed to parse multipart form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	files := make([]intake.Attachment, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondWithErr(w, http.StatusBadRequest, "invalid upload", "failed to open uploaded file", err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondWithErr(w, http.StatusBadRequest, "invalid upload", "failed to read uploaded file", err)
			return
		}
		files = append(files, intake.Attachment{
			Name:        fh.Filename,
			ContentType: mimetype.Detect(data).String(),
			Data:        data,
		})
	}

	if err := state.workflow(r).SetFiles(files); err != nil {
		respondWithIntakeErr(w, r, "failed to select files", err)
		return
	}
	state.writeRecord(w, r)
}

func (state *ServerState) handleLocation(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var coord intake.Coordinate
	if err := json.NewDecoder(r.Body).Decode(&coord); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}
	if err := state.workflow(r).SetLocation(coord); err != nil {
		respondWithIntakeErr(w, r, "failed to set location", err)
		return
	}
	state.writeRecord(w, r)
}

func (state *ServerState) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	wf := state.workflow(r)
	id, err := wf.Submit(r.Context())
	if err != nil {
		respondWithIntakeErr(w, r, "case submission failed", err)
		return
	}

	logging.FromContext(r.Context()).Info("Case submitted", "session_id", id)
	writeResponse(w, http.StatusOK, SubmitResponse{Session: string(id), Stage: wf.Stage().String()})
}

func (state *ServerState) handleLoadPreview(w http.ResponseWriter, r *http.Request) {
	id := intake.SessionID(mux.Vars(r)["session"])
	record, err := state.workflow(r).LoadPreview(r.Context(), id)
	if err != nil {
		respondWithIntakeErr(w, r, "failed to load preview", err)
		return
	}
	writeResponse(w, http.StatusOK, toRecordResponse(record))
}

// EditRequest carries the preview fields to change. Absent keys are kept.
type EditRequest struct {
	Fields   map[string]string  `json:"fields"`
	Position *intake.Coordinate `json:"position"`
}

func (state *ServerState) handleEditPreview(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	wf := state.workflow(r)
	if err := requireSession(wf, r); err != nil {
		respondWithIntakeErr(w, r, "preview edit rejected", err)
		return
	}

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}

	patch := intake.RecordPatch{Position: req.Position}
	for name, value := range req.Fields {
		if err := patch.Set(name, value); err != nil {
			respondWithIntakeErr(w, r, "preview edit rejected", err)
			return
		}
	}

	record, err := wf.EditPreview(func(rec *intake.CaseRecord) error {
		rec.Merge(patch)
		return nil
	})
	if err != nil {
		respondWithIntakeErr(w, r, "preview edit failed", err)
		return
	}
	writeResponse(w, http.StatusOK, toRecordResponse(record))
}

func (state *ServerState) handleConfirm(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	wf := state.workflow(r)
	if err := requireSession(wf, r); err != nil {
		respondWithIntakeErr(w, r, "confirmation rejected", err)
		return
	}

	message, err := wf.Confirm(r.Context())
	if err != nil {
		respondWithIntakeErr(w, r, "confirmation failed", err)
		return
	}
	writeResponse(w, http.StatusOK, MessageResponse{Success: true, Message: message, Stage: wf.Stage().String()})
}

// requireSession rejects requests addressed to a session other than the one under review.
func requireSession(wf *intake.Workflow, r *http.Request) error {
	want := wf.Session()
	if got := intake.SessionID(mux.Vars(r)["session"]); got != want {
		return fmt.Errorf("%w: session %q is not under review", intake.ErrWrongStage, got)
	}
	return nil
}

type BackRequest struct {
	Stage string `json:"stage"`
}

func (state *ServerState) handleBack(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var req BackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE, err)
		return
	}
	stage, err := intake.ParseStage(req.Stage)
	if err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid stage", "failed to parse stage", err)
		return
	}

	wf := state.workflow(r)
	if err := wf.Back(stage); err != nil {
		respondWithIntakeErr(w, r, "navigation rejected", err)
		return
	}
	writeResponse(w, http.StatusOK, MessageResponse{Success: true, Stage: wf.Stage().String()})
}

func (state *ServerState) handleLanding(w http.ResponseWriter, r *http.Request) {
	wf := state.workflow(r)
	message, ok, err := wf.Landing(r.Context())
	if err != nil {
		respondWithIntakeErr(w, r, "failed to read completion message", err)
		return
	}
	writeResponse(w, http.StatusOK, MessageResponse{Success: ok, Message: message, Stage: wf.Stage().String()})
}

func (state *ServerState) writeRecord(w http.ResponseWriter, r *http.Request) {
	snap, err := state.workflow(r).Snapshot(r.Context())
	if err != nil {
		respondWithIntakeErr(w, r, "failed to read workflow state", err)
		return
	}
	writeResponse(w, http.StatusOK, toRecordResponse(snap.Record))
}

// helpers ------------

// statusFor maps an intake error onto the response status.
func statusFor(err error) int {
	var validationErr *intake.ValidationError
	var transportErr *intake.TransportError
	var remoteErr *intake.RemoteError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &transportErr), errors.As(err, &remoteErr):
		return http.StatusBadGateway
	case errors.Is(err, intake.ErrBusy), errors.Is(err, intake.ErrWrongStage), errors.Is(err, intake.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, intake.ErrStaleToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func respondWithIntakeErr(w http.ResponseWriter, r *http.Request, logMsg string, e error) {
	code := statusFor(e)
	logging.FromContext(r.Context()).Warn(logMsg, "error", e, "status_code", code)
	writeResponse(w, code, MessageResponse{Success: false, Message: intake.UserMessage(e)})
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func writeResponse(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}

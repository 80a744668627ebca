// Package httpserver exposes the desk operations over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/app/desk"
	"github.com/coachpo/optexec/internal/app/scheduler"
	"github.com/coachpo/optexec/internal/domain/credstore"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
	"github.com/coachpo/optexec/internal/domain/schema"
	"github.com/coachpo/optexec/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	// UserHeader carries the caller's user id.
	UserHeader = "X-User-ID"

	healthPath        = "/health"
	executionsPath    = "/executions"
	jobsPath          = "/jobs"
	jobDetailPrefix   = jobsPath + "/"
	autoSquareOffPath = "/auto-squareoff"
	positionsPath     = "/positions"
	squareOffPath     = "/squareoff"
	paperOrdersPath   = "/paper/orders"
	paperResetPath    = "/paper/reset"
	summariesPath     = "/summaries"
	expiriesPath      = "/expiries"
	optionChainPath   = "/option-chain"
	credentialsPath   = "/credentials"
)

// Desk is the set of operations served over HTTP.
type Desk interface {
	ExecuteNow(ctx context.Context, userID string, req schema.ExecutionRequest) schema.ExecutionResult
	Schedule(userID string, req schema.ExecutionRequest, timeOfDay string) (scheduler.JobInfo, error)
	ListJobs(userID string) []scheduler.JobInfo
	CancelJob(userID, jobID string) bool
	SetAutoSquareOff(userID, timeOfDay string) (scheduler.SquareOffInfo, error)
	GetAutoSquareOff(userID string) (scheduler.SquareOffInfo, bool)
	CancelAutoSquareOff(userID string) bool
	Positions(ctx context.Context, userID string) (desk.PositionsView, error)
	SquareOffAll(ctx context.Context, userID string) (desk.SquareOffReport, error)
	PaperOrders(ctx context.Context, userID string) ([]ledgerstore.Order, error)
	ResetPaper(ctx context.Context, userID string) error
	Summaries(ctx context.Context, userID string, limit int) ([]ledgerstore.DailySummary, error)
	Expiries(index schema.Index) ([]string, error)
	OptionChain(ctx context.Context, userID string, index schema.Index, expiry string) ([]schema.ChainRow, error)
}

var _ Desk = (*desk.Desk)(nil)

// Options wires the handler.
type Options struct {
	Environment config.Environment
	Desk        Desk
	// Credentials is optional; without it PUT /credentials answers 503.
	Credentials credstore.Store
	Logger      *log.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	desk        Desk
	creds       credstore.Store
	logger      *log.Logger
}

type scheduleRequest struct {
	schema.ExecutionRequest
	Time string `json:"time"`
}

type squareOffTimeRequest struct {
	Time string `json:"time"`
}

// NewHandler creates the HTTP handler for desk operations.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	server := &httpServer{environment: opts.Environment, desk: opts.Desk, creds: opts.Credentials, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(executionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.executeNow,
	}))
	mux.Handle(jobsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listJobs,
		http.MethodPost: server.scheduleJob,
	}))
	mux.Handle(jobDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.cancelJob,
	}))
	mux.Handle(autoSquareOffPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getAutoSquareOff,
		http.MethodPut:    server.setAutoSquareOff,
		http.MethodDelete: server.cancelAutoSquareOff,
	}))
	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.positions,
	}))
	mux.Handle(squareOffPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.squareOff,
	}))
	mux.Handle(paperOrdersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.paperOrders,
	}))
	mux.Handle(paperResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetPaper,
	}))
	mux.Handle(summariesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.summaries,
	}))
	mux.Handle(expiriesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.expiries,
	}))
	mux.Handle(optionChainPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.optionChain,
	}))
	mux.Handle(credentialsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.putCredentials,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// requireUser writes a 401 and returns false when the caller is anonymous.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		writeError(w, http.StatusUnauthorized, UserHeader+" header required")
		return "", false
	}
	return id, true
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func (s *httpServer) executeNow(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req schema.ExecutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result := s.desk.ExecuteNow(r.Context(), user, req)
	s.logger.Printf("http: execute user=%s strategy=%s success=%t", user, req.Strategy, result.Success)
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) listJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	jobs := s.desk.ListJobs(user)
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *httpServer) scheduleJob(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.desk.Schedule(user, req.ExecutionRequest, req.Time)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *httpServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, jobDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	if !s.desk.CancelJob(user, id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "jobId": id})
}

func (s *httpServer) getAutoSquareOff(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	info, found := s.desk.GetAutoSquareOff(user)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "job": info})
}

func (s *httpServer) setAutoSquareOff(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req squareOffTimeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := s.desk.SetAutoSquareOff(user, req.Time)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *httpServer) cancelAutoSquareOff(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.desk.CancelAutoSquareOff(user)})
}

func (s *httpServer) positions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	view, err := s.desk.Positions(r.Context(), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) squareOff(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	report, err := s.desk.SquareOffAll(r.Context(), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *httpServer) paperOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orders, err := s.desk.PaperOrders(r.Context(), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []ledgerstore.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) resetPaper(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.desk.ResetPaper(r.Context(), user); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *httpServer) summaries(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	out, err := s.desk.Summaries(r.Context(), user, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if out == nil {
		out = []ledgerstore.DailySummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": out})
}

func (s *httpServer) expiries(w http.ResponseWriter, r *http.Request) {
	index := schema.ParseIndex(r.URL.Query().Get("index"))
	out, err := s.desk.Expiries(index)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "expiries": out})
}

func (s *httpServer) optionChain(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	index := schema.ParseIndex(query.Get("index"))
	expiry := strings.TrimSpace(query.Get("expiry"))
	if expiry == "" {
		writeError(w, http.StatusBadRequest, "expiry required")
		return
	}
	rows, err := s.desk.OptionChain(r.Context(), user, index, expiry)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "expiry": expiry, "chain": rows})
}

func (s *httpServer) putCredentials(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if s.creds == nil {
		writeError(w, http.StatusServiceUnavailable, "credential store not configured")
		return
	}
	var creds schema.Credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	creds.ClientID = strings.TrimSpace(creds.ClientID)
	creds.AccessToken = strings.TrimSpace(creds.AccessToken)
	if !creds.Complete() {
		writeError(w, http.StatusBadRequest, "clientId and accessToken required")
		return
	}
	if err := s.creds.Put(r.Context(), user, creds); err != nil {
		s.logger.Printf("http: store credentials failed user=%s err=%v", user, err)
		writeError(w, http.StatusInternalServerError, "store credentials failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": user, "clientId": creds.ClientID})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(out); err != nil {
		writeDecodeError(w, fmt.Errorf("decode payload: %w", err))
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// statusFor maps an error code to its HTTP status.
func statusFor(err error) int {
	var e *errs.E
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case errs.CodeValidation, errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeData:
		return http.StatusUnprocessableEntity
	case errs.CodeUpstream:
		return http.StatusBadGateway
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), errs.Message(err))
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/schema"
)

// connectionRequest mirrors datasource.ConnectionConfig on the wire. The
// password travels in the request body only; it is never echoed back and
// never logged.
type connectionRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      bool   `json:"tls"`
}

type askRequest struct {
	Subtype       string            `json:"subtype"`
	Request       string            `json:"request"`
	Schema        schema.Context    `json:"schema"`
	Connection    connectionRequest `json:"connection"`
	MinConfidence *float64          `json:"min_confidence"`
}

type askResponse struct {
	Query          engine.GeneratedQuery   `json:"query"`
	QueryFromCache bool                    `json:"query_from_cache"`
	Executed       bool                    `json:"executed"`
	Result         *engine.ExecutionResult `json:"result,omitempty"`
}

type planResponse struct {
	Query engine.GeneratedQuery  `json:"query"`
	Plan  engine.PlanDescription `json:"plan"`
}

func handleSubtypes(_ Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	type subtypeInfo struct {
		Subtype string `json:"subtype"`
		Family  string `json:"family"`
	}
	infos := make([]subtypeInfo, 0)
	for _, subtype := range datasource.Subtypes() {
		family, _ := subtype.Family()
		infos = append(infos, subtypeInfo{Subtype: string(subtype), Family: string(family)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtypes": infos})
}

func handleTranslate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, subtype, conn, ok := decodeAskRequest(deps, w, r)
	if !ok {
		return
	}
	session, ok := sessionFor(deps, w, r, subtype, request.MinConfidence)
	if !ok {
		return
	}

	out, err := session.Ask(r.Context(), engine.AskInput{
		Request:       request.Request,
		Schema:        request.Schema,
		Conn:          conn,
		SkipExecution: true,
	})
	if err != nil {
		writeEngineError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{
		Query:          out.Query,
		QueryFromCache: out.QueryFromCache,
	})
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, subtype, conn, ok := decodeAskRequest(deps, w, r)
	if !ok {
		return
	}
	if !validConnection(w, r, conn) {
		return
	}
	session, ok := sessionFor(deps, w, r, subtype, request.MinConfidence)
	if !ok {
		return
	}

	// Generate first without executing, so a mutation can be gated on the
	// writer role before any side effect. The generated query lands in the
	// query cache, making the second Ask a cache hit.
	preview, err := session.Ask(r.Context(), engine.AskInput{
		Request:       request.Request,
		Schema:        request.Schema,
		Conn:          conn,
		SkipExecution: true,
	})
	if err != nil {
		writeEngineError(r, w, err)
		return
	}
	if preview.Query.Kind == engine.KindMutation {
		if err := requireRole(r, auth.RoleQueryWriter); err != nil {
			writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
			return
		}
	}

	out, err := session.Ask(r.Context(), engine.AskInput{
		Request: request.Request,
		Schema:  request.Schema,
		Conn:    conn,
	})
	if err != nil {
		writeEngineError(r, w, err)
		return
	}
	status := http.StatusOK
	if !out.Executed {
		// below the confidence threshold; the query comes back for review
		status = http.StatusAccepted
	}
	writeJSON(w, status, askResponse{
		Query:          out.Query,
		QueryFromCache: out.QueryFromCache,
		Executed:       out.Executed,
		Result:         out.Result,
	})
}

func handlePlan(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, subtype, conn, ok := decodeAskRequest(deps, w, r)
	if !ok {
		return
	}
	if !validConnection(w, r, conn) {
		return
	}
	session, ok := sessionFor(deps, w, r, subtype, request.MinConfidence)
	if !ok {
		return
	}

	out, err := session.Ask(r.Context(), engine.AskInput{
		Request:       request.Request,
		Schema:        request.Schema,
		Conn:          conn,
		SkipExecution: true,
	})
	if err != nil {
		writeEngineError(r, w, err)
		return
	}

	_, executor, err := deps.Engines.ForSubtype(subtype)
	if err != nil {
		writeEngineError(r, w, err)
		return
	}
	plan, err := executor.ExplainPlan(r.Context(), out.Query, conn)
	if err != nil {
		writeEngineError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse{Query: out.Query, Plan: plan})
}

type testConnectionRequest struct {
	Subtype    string            `json:"subtype"`
	Connection connectionRequest `json:"connection"`
}

func handleTestConnection(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engines == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "engine provider is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request testConnectionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return
	}
	subtype, err := datasource.ParseSubtype(request.Subtype)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNKNOWN_SUBTYPE", err.Error(), false, nil)
		return
	}
	conn := request.Connection.config(subtype)
	if err := conn.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONNECTION", err.Error(), false, nil)
		return
	}

	_, executor, err := deps.Engines.ForSubtype(subtype)
	if err != nil {
		writeEngineError(r, w, err)
		return
	}
	reachable := executor.TestConnection(r.Context(), conn)
	writeJSON(w, http.StatusOK, map[string]any{"reachable": reachable})
}

type invalidateRequest struct {
	SchemaVersion int64 `json:"schema_version"`
}

func handleCacheInvalidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleQueryWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	var request invalidateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return
	}
	if request.SchemaVersion <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "SCHEMA_VERSION_REQUIRED", "schema_version must be positive", false, nil)
		return
	}
	deps.Caches.Invalidate(request.SchemaVersion)
	writeJSON(w, http.StatusOK, map[string]any{"invalidated_through": request.SchemaVersion})
}

func decodeAskRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (askRequest, datasource.Subtype, datasource.ConnectionConfig, bool) {
	if deps.Engines == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "engine provider is not configured", false, nil)
		return askRequest{}, "", datasource.ConnectionConfig{}, false
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return askRequest{}, "", datasource.ConnectionConfig{}, false
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return askRequest{}, "", datasource.ConnectionConfig{}, false
	}
	if strings.TrimSpace(request.Request) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "REQUEST_REQUIRED", "request is required", false, nil)
		return askRequest{}, "", datasource.ConnectionConfig{}, false
	}
	if len(request.Schema.Entities) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "SCHEMA_REQUIRED", "schema lists no entities", false, nil)
		return askRequest{}, "", datasource.ConnectionConfig{}, false
	}
	subtype, err := datasource.ParseSubtype(request.Subtype)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNKNOWN_SUBTYPE", err.Error(), false, nil)
		return askRequest{}, "", datasource.ConnectionConfig{}, false
	}
	// translate needs no executable connection; handlers that reach a
	// backend validate it themselves
	return request, subtype, request.Connection.config(subtype), true
}

func validConnection(w http.ResponseWriter, r *http.Request, conn datasource.ConnectionConfig) bool {
	if err := conn.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONNECTION", err.Error(), false, nil)
		return false
	}
	return true
}

func sessionFor(deps Dependencies, w http.ResponseWriter, r *http.Request, subtype datasource.Subtype, minConfidence *float64) (*engine.Session, bool) {
	threshold := deps.MinConfidence
	if minConfidence != nil {
		if *minConfidence < 0 || *minConfidence > 1 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONFIDENCE", "min_confidence must be between 0 and 1", false, nil)
			return nil, false
		}
		threshold = *minConfidence
	}
	session, err := deps.Engines.Session(subtype, deps.Caches, engine.SessionOptions{
		MinConfidence: threshold,
		Logger:        deps.Logger,
	})
	if err != nil {
		writeEngineError(r, w, err)
		return nil, false
	}
	return session, true
}

func (c connectionRequest) config(subtype datasource.Subtype) datasource.ConnectionConfig {
	return datasource.ConnectionConfig{
		Subtype:  subtype,
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		Database: strings.TrimSpace(c.Database),
		Username: strings.TrimSpace(c.Username),
		Password: c.Password,
		TLS:      c.TLS,
	}
}

func writeEngineError(r *http.Request, w http.ResponseWriter, err error) {
	var extra map[string]any
	var engineErr *engine.Error
	if errors.As(err, &engineErr) && engineErr.Fingerprint != "" {
		extra = map[string]any{"fingerprint": engineErr.Fingerprint}
	}

	switch {
	case engine.IsKind(err, engine.KindGeneration):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "GENERATION_FAILED", err.Error(), false, extra)
	case engine.IsKind(err, engine.KindValidation):
		writeError(r.Context(), w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), false, extra)
	case errors.Is(err, engine.ErrUnsupportedDatasource), engine.IsKind(err, engine.KindUnsupported):
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_DATASOURCE", err.Error(), false, extra)
	case engine.IsKind(err, engine.KindConnection):
		writeError(r.Context(), w, http.StatusBadGateway, "CONNECTION_FAILED", err.Error(), true, extra)
	case engine.IsKind(err, engine.KindTimeout):
		writeError(r.Context(), w, http.StatusGatewayTimeout, "EXECUTION_TIMEOUT", err.Error(), true, extra)
	case engine.IsKind(err, engine.KindExecution):
		writeError(r.Context(), w, http.StatusBadRequest, "EXECUTION_FAILED", err.Error(), false, extra)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), true, extra)
	}
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

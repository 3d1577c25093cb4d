package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/pipeline"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/inventory/validation"
)

const maxBodyBytes = 8 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps err to a status code. Errors outside the inventory
// taxonomy are logged and reported without their text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": errorResponse{Code: "ERROR_INTERNAL", Message: "internal error"},
		})
		return
	}
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	msg := e.Message
	if e.Err != nil && status < http.StatusInternalServerError {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	writeJSON(w, status, map[string]any{"error": errorResponse{Code: e.Code, Message: msg}})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errs.InvalidParameter("body", err.Error())
	}
	return nil
}

// decodeStruct reads a JSON body into v and checks its validate tags.
func decodeStruct(r *http.Request, v any) error {
	if err := decode(r, v); err != nil {
		return err
	}
	return validation.Struct(v)
}

// decodeList reads a list body: "query" is the search query, "filter" an
// optional filter expression and every other member a request parameter.
func decodeList(r *http.Request) (*pipeline.Request, error) {
	var raw map[string]json.RawMessage
	if err := decode(r, &raw); err != nil {
		return nil, err
	}
	req := &pipeline.Request{Params: map[string]any{}}
	for key, msg := range raw {
		var err error
		switch key {
		case "query":
			err = json.Unmarshal(msg, &req.Query)
		case "filter":
			err = json.Unmarshal(msg, &req.FilterExpr)
		default:
			var v any
			err = json.Unmarshal(msg, &v)
			req.Params[key] = v
		}
		if err != nil {
			return nil, errs.InvalidParameterType(key, string(msg))
		}
	}
	return req, nil
}

type listResponse[T any] struct {
	Results    []T   `json:"results"`
	TotalCount int64 `json:"total_count"`
}

type statResponse struct {
	Results []map[string]any `json:"results"`
}

func listHandler[T any](s *Server, stage pipeline.Stage, list func(context.Context, query.Query) ([]T, int64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeList(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx, req, err := stage(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rows, total, err := list(ctx, req.Query)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rows == nil {
			rows = []T{}
		}
		writeJSON(w, http.StatusOK, listResponse[T]{Results: rows, TotalCount: total})
	}
}

func statHandler(s *Server, stat func(context.Context, query.StatQuery) ([]map[string]any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query query.StatQuery `json:"query"`
		}
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx, _, err := pipeline.RequireTenant(r.Context(), &pipeline.Request{})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rows, err := stat(ctx, body.Query)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, statResponse{Results: rows})
	}
}

func getHandler[T any](s *Server, param string, get func(context.Context, string) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := get(r.Context(), chi.URLParam(r, param))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func deleteHandler(s *Server, param string, del func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := del(r.Context(), chi.URLParam(r, param)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createHandler[Req, T any](s *Server, create func(context.Context, Req) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := decodeStruct(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		v, err := create(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	}
}

// updateHandler decodes the body, takes the record id from the path and
// validates the result.
func updateHandler[Req, T any](s *Server, param string, setID func(*Req, string), update func(context.Context, Req) (*T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		setID(&req, chi.URLParam(r, param))
		if err := validation.Struct(&req); err != nil {
			s.writeError(w, r, err)
			return
		}
		v, err := update(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

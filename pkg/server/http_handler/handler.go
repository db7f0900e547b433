/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pmkol/dnscache/pkg/record"
	"github.com/pmkol/dnscache/pkg/service"
)

var nopLogger = zap.NewNop()

const (
	defaultPathPrefix = "/api/v1"
	maxBodySize       = 1 << 20
)

type HandlerOpts struct {
	// Service cannot be nil.
	Service *service.Service

	// PathPrefix of all api routes. Default is "/api/v1".
	PathPrefix string

	// HealthPath answers 200 when Ping succeeds. Default is "/health".
	HealthPath string

	// Ping checks the backing store. Optional.
	Ping func(ctx context.Context) error

	// Timeout of each request. Zero means no limit.
	Timeout time.Duration

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Service == nil {
		return errors.New("nil service")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.PathPrefix == "" {
		opts.PathPrefix = defaultPathPrefix
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	return nil
}

type Handler struct {
	opts   HandlerOpts
	router *mux.Router
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts, router: mux.NewRouter()}

	h.router.HandleFunc(opts.HealthPath, h.health).Methods(http.MethodGet)

	api := h.router.PathPrefix(opts.PathPrefix).Subrouter()
	api.Use(h.logRequests, h.withTimeout)
	api.HandleFunc("/resolve/{domain}", h.resolve).Methods(http.MethodGet)
	api.HandleFunc("/cache", h.getAll).Methods(http.MethodGet)
	api.HandleFunc("/cache", h.clear).Methods(http.MethodDelete)
	api.HandleFunc("/cache/batch/get", h.getBatch).Methods(http.MethodPost)
	api.HandleFunc("/cache/batch", h.deleteBatch).Methods(http.MethodDelete)
	api.HandleFunc("/cache/manual", h.deleteManual).Methods(http.MethodDelete)
	api.HandleFunc("/cache/{domain}/exists", h.exists).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/cache/{domain}/ttl", h.updateTTL).Methods(http.MethodPatch)
	api.HandleFunc("/cache/{domain}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/cache/{domain}", h.put).Methods(http.MethodPut)
	api.HandleFunc("/cache/{domain}", h.delete).Methods(http.MethodDelete)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		h.opts.Logger.Debug("api request",
			zap.String("from", req.RemoteAddr),
			zap.String("method", req.Method),
			zap.String("url", req.RequestURI),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (h *Handler) withTimeout(next http.Handler) http.Handler {
	if h.opts.Timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), h.opts.Timeout)
		defer cancel()
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

type errorBody struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

type domainsBody struct {
	Domains []string `json:"domains"`
}

type ttlBody struct {
	TTL int `json:"ttl"`
}

type deletedBody struct {
	Deleted int `json:"deleted"`
}

type existsBody struct {
	Exists bool `json:"exists"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeErr(w http.ResponseWriter, req *http.Request, err error) {
	var ve *record.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid input", Violations: ve.Violations()})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, service.ErrResolution):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	default:
		h.opts.Logger.Warn("api error",
			zap.String("from", req.RemoteAddr),
			zap.String("method", req.Method),
			zap.String("url", req.RequestURI),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

func decodeBody(req *http.Request, v any) error {
	d := json.NewDecoder(io.LimitReader(req.Body, maxBodySize))
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return fmt.Errorf("invalid request body, %w", err)
	}
	return nil
}

func (h *Handler) health(w http.ResponseWriter, req *http.Request) {
	if h.opts.Ping != nil {
		if err := h.opts.Ping(req.Context()); err != nil {
			h.opts.Logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) resolve(w http.ResponseWriter, req *http.Request) {
	var ttl *int
	if s := req.URL.Query().Get("ttl"); len(s) > 0 {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.badRequest(w, fmt.Errorf("invalid ttl %q", s))
			return
		}
		ttl = &n
	}
	r, err := h.opts.Service.Resolve(req.Context(), mux.Vars(req)["domain"], ttl)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r)
}

func (h *Handler) getAll(w http.ResponseWriter, req *http.Request) {
	rs, err := h.opts.Service.GetAllCachedRecords(req.Context())
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) getBatch(w http.ResponseWriter, req *http.Request) {
	var b domainsBody
	if err := decodeBody(req, &b); err != nil {
		h.badRequest(w, err)
		return
	}
	rs, err := h.opts.Service.GetBatch(req.Context(), b.Domains)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) get(w http.ResponseWriter, req *http.Request) {
	r, err := h.opts.Service.GetCachedRecord(req.Context(), mux.Vars(req)["domain"])
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r)
}

func (h *Handler) exists(w http.ResponseWriter, req *http.Request) {
	ok, err := h.opts.Service.Exists(req.Context(), mux.Vars(req)["domain"])
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	if req.Method == http.MethodHead {
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}
	writeJSON(w, http.StatusOK, existsBody{Exists: ok})
}

// put upserts a manual entry. The domain in the path wins over the body.
func (h *Handler) put(w http.ResponseWriter, req *http.Request) {
	var r record.Record
	if err := decodeBody(req, &r); err != nil {
		h.badRequest(w, err)
		return
	}
	r.Domain = mux.Vars(req)["domain"]
	stored, err := h.opts.Service.CreateManualEntry(req.Context(), &r)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) updateTTL(w http.ResponseWriter, req *http.Request) {
	var b ttlBody
	if err := decodeBody(req, &b); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.opts.Service.UpdateTTL(req.Context(), mux.Vars(req)["domain"], b.TTL); err != nil {
		h.writeErr(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, req *http.Request) {
	if err := h.opts.Service.DeleteCachedRecord(req.Context(), mux.Vars(req)["domain"]); err != nil {
		h.writeErr(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteBatch(w http.ResponseWriter, req *http.Request) {
	var b domainsBody
	if err := decodeBody(req, &b); err != nil {
		h.badRequest(w, err)
		return
	}
	n, err := h.opts.Service.DeleteBatch(req.Context(), b.Domains)
	if err != nil {
		var ve *record.ValidationError
		if errors.As(err, &ve) || n == 0 {
			h.writeErr(w, req, err)
			return
		}
		// Partial success.
		writeJSON(w, http.StatusMultiStatus, struct {
			deletedBody
			Error string `json:"error"`
		}{deletedBody{Deleted: n}, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, deletedBody{Deleted: n})
}

func (h *Handler) deleteManual(w http.ResponseWriter, req *http.Request) {
	n, err := h.opts.Service.DeleteAllManualEntries(req.Context())
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedBody{Deleted: n})
}

func (h *Handler) clear(w http.ResponseWriter, req *http.Request) {
	n, err := h.opts.Service.ClearCache(req.Context())
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedBody{Deleted: n})
}

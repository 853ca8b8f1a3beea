package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quantumfed/quantumfed/coordinator"
	pkgerrors "github.com/quantumfed/quantumfed/pkg/errors"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"

	defOffset = 0
	defLimit  = 100
	maxBody   = 16 << 20
)

func MakeHandler(svc coordinator.Service) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
	}

	mux := chi.NewRouter()

	mux.Route("/rounds", func(r chi.Router) {
		r.Post("/", kithttp.NewServer(
			makeStartRoundEndpoint(svc),
			decodeStartRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/", kithttp.NewServer(
			makeListRoundsEndpoint(svc),
			decodeListRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{round_id}", kithttp.NewServer(
			makeRoundStatusEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Route("/updates", func(r chi.Router) {
		r.Post("/", kithttp.NewServer(
			makeSubmitUpdateEndpoint(svc),
			decodeSubmitUpdateRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Post("/cbor", kithttp.NewServer(
			makeSubmitUpdateCBOREndpoint(svc),
			decodeSubmitUpdateCBORRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Route("/snapshots", func(r chi.Router) {
		r.Get("/", kithttp.NewServer(
			makeListSnapshotsEndpoint(svc),
			decodeEmptyRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/latest", kithttp.NewServer(
			makeGetSnapshotEndpoint(svc),
			decodeLatestSnapshotRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{version}", kithttp.NewServer(
			makeGetSnapshotEndpoint(svc),
			decodeSnapshotRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Route("/participants", func(r chi.Router) {
		r.Post("/", kithttp.NewServer(
			makeRegisterParticipantEndpoint(svc),
			decodeRegisterParticipantRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/", kithttp.NewServer(
			makeListParticipantsEndpoint(svc),
			decodeListRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Service: "quantumfed-coordinator"})
	})

	mux.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(mux, "coordinator")
}

func decodeStartRoundRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeJSON) {
		return nil, errUnsupportedContentType
	}

	var spec orchestration.RoundSpec
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody)).Decode(&spec); err != nil {
		return nil, errors.Join(errInvalidRequestBody, err)
	}

	return startRoundReq{Spec: spec}, nil
}

func decodeRoundRequest(_ context.Context, r *http.Request) (interface{}, error) {
	roundID := chi.URLParam(r, "round_id")
	if roundID == "" {
		return nil, errMissingRoundID
	}

	return roundReq{RoundID: roundID}, nil
}

func decodeListRequest(_ context.Context, r *http.Request) (interface{}, error) {
	req := listReq{Offset: defOffset, Limit: defLimit}

	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.Join(errInvalidQueryParam, err)
		}
		req.Offset = offset
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.Join(errInvalidQueryParam, err)
		}
		req.Limit = limit
	}

	return req, nil
}

func decodeSubmitUpdateRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeJSON) {
		return nil, errUnsupportedContentType
	}

	var env fl.UpdateEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody)).Decode(&env); err != nil {
		return nil, errors.Join(errInvalidRequestBody, err)
	}

	return submitUpdateReq{Envelope: env}, nil
}

func decodeSubmitUpdateCBORRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeCBOR) {
		return nil, errUnsupportedContentType
	}

	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBody))
	if err != nil {
		return nil, errors.Join(errInvalidRequestBody, err)
	}

	return submitUpdateCBORReq{Data: data}, nil
}

func decodeSnapshotRequest(_ context.Context, r *http.Request) (interface{}, error) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		return nil, errors.Join(errInvalidQueryParam, err)
	}

	return snapshotReq{Version: version}, nil
}

func decodeLatestSnapshotRequest(_ context.Context, r *http.Request) (interface{}, error) {
	return snapshotReq{Latest: true}, nil
}

func decodeRegisterParticipantRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeJSON) {
		return nil, errUnsupportedContentType
	}

	var req registerParticipantReq
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody)).Decode(&req); err != nil {
		return nil, errors.Join(errInvalidRequestBody, err)
	}

	return req, nil
}

func decodeEmptyRequest(_ context.Context, _ *http.Request) (interface{}, error) {
	return nil, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", contentTypeJSON)

	return json.NewEncoder(w).Encode(response)
}

var (
	errUnsupportedContentType = errors.New("unsupported content type")
	errInvalidRequestBody     = errors.New("invalid request body")
	errInvalidQueryParam      = errors.New("invalid query parameter")
	errMissingRoundID         = errors.New("round_id is required")
)

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentTypeJSON)

	switch {
	case errors.Is(err, orchestration.ErrRoundNotFound),
		errors.Is(err, orchestration.ErrSnapshotNotFound),
		errors.Is(err, pkgerrors.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, orchestration.ErrDuplicateUpdate),
		errors.Is(err, orchestration.ErrRoundExists),
		errors.Is(err, orchestration.ErrRoundClosed),
		errors.Is(err, orchestration.ErrStaleBaseVersion):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, orchestration.ErrInsufficientParticipants),
		errors.Is(err, orchestration.ErrUnknownParticipant),
		errors.Is(err, errUnsupportedContentType),
		errors.Is(err, errInvalidRequestBody),
		errors.Is(err, errInvalidQueryParam),
		errors.Is(err, errMissingRoundID),
		errors.Is(err, pkgerrors.ErrInvalidData):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

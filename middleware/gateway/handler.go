package gateway

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/utils/merr"
)

const maxQueryBytes = 16 << 20

type handler struct {
	backend   Backend
	marshaler Marshaler
}

func (h *handler) write(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", h.marshaler.ContentType(v))
	w.WriteHeader(code)
	if err := h.marshaler.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to write response", zap.Error(err))
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := codeOf(err)
	httpStatus := HTTPStatusFromCode(code)
	var forced *HTTPStatusError
	if errors.As(err, &forced) {
		httpStatus = forced.HTTPStatus
	}
	if httpStatus >= http.StatusInternalServerError {
		log.Warn("admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.write(w, httpStatus, errorBody{Code: code, Message: err.Error()})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submit accepts a query encoding. With wait=true it answers once the query
// finished, whatever its outcome.
func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		h.fail(w, r, &HTTPStatusError{HTTPStatus: http.StatusBadRequest, Err: errors.Wrap(err, "read query")})
		return
	}
	q, err := encoding.ParseQuery(data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		if wait, err = cast.ToBoolE(v); err != nil {
			h.fail(w, r, &HTTPStatusError{HTTPStatus: http.StatusBadRequest, Err: errors.Wrap(err, "wait")})
			return
		}
	}

	id, err := h.backend.Submit(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code := http.StatusAccepted
	if wait {
		if err := h.backend.Await(r.Context(), id); r.Context().Err() != nil {
			h.fail(w, r, errors.WithSecondaryError(r.Context().Err(), err))
			return
		}
		code = http.StatusOK
	}
	st, err := h.backend.QueryStatus(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, code, st)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.backend.History()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, statuses)
}

func subQueryIDFromPath(r *http.Request) (middleware.SubQueryID, error) {
	vars := mux.Vars(r)
	queryID, err := strconv.ParseInt(vars["queryID"], 10, 64)
	if err != nil {
		return middleware.SubQueryID{}, &HTTPStatusError{HTTPStatus: http.StatusBadRequest, Err: errors.Newf("invalid query id %q", vars["queryID"])}
	}
	index, err := strconv.ParseInt(vars["index"], 10, 64)
	if err != nil {
		return middleware.SubQueryID{}, &HTTPStatusError{HTTPStatus: http.StatusBadRequest, Err: errors.Newf("invalid subquery index %q", vars["index"])}
	}
	return middleware.NewSubQueryID(queryID, index), nil
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	id, err := subQueryIDFromPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.backend.QueryStatus(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, st)
}

func (h *handler) kill(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(_ context.Context, id middleware.SubQueryID) error {
		return h.backend.Kill(id)
	})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.backend.Pause)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.backend.Resume)
}

// control runs op on the query named by the path and answers with its status.
func (h *handler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, middleware.SubQueryID) error) {
	id, err := subQueryIDFromPath(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.backend.QueryStatus(id)
	if err != nil && !errors.Is(err, merr.ErrUnknownQuery) {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, st)
}

func (h *handler) workers(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, h.backend.Workers())
}

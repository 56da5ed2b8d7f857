package gateway

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/linkflow/utils/merr"
)

// HTTPStatusError forces the HTTP status of an error response.
type HTTPStatusError struct {
	HTTPStatus int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return e.Err.Error()
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// errorBody is the payload of every failed request.
type errorBody struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

// codeOf classifies err the way a gRPC service would.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, merr.ErrInvalidPlan):
		return codes.InvalidArgument
	case errors.Is(err, merr.ErrUnknownQuery):
		return codes.NotFound
	case errors.Is(err, merr.ErrNodeUnreachable):
		return codes.Unavailable
	case merr.IsKilled(err):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return status.Code(err)
}

// HTTPStatusFromCode maps a gRPC code to the HTTP status grpc-gateway uses.
func HTTPStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorFromBody rebuilds on the client side an error returned by the gateway,
// marked so that errors.Is keeps working.
func errorFromBody(httpStatus int, body errorBody) error {
	err := errors.Newf("%s", body.Message)
	switch body.Code {
	case codes.InvalidArgument:
		err = errors.Mark(err, merr.ErrInvalidPlan)
	case codes.NotFound:
		err = errors.Mark(err, merr.ErrUnknownQuery)
	case codes.Unavailable:
		err = errors.Mark(err, merr.ErrNodeUnreachable)
	case codes.Aborted:
		err = errors.Mark(err, merr.ErrQueryKilled)
	}
	return &HTTPStatusError{HTTPStatus: httpStatus, Err: err}
}

package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chararch/tunepipe"
)

// ErrorResponse is the body of every non 2xx response.
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
	Advice string `json:"advice,omitempty"`
}

func newHTTPError(status int, msg ErrorMessage, cause error) *echo.HTTPError {
	return echo.NewHTTPError(status, ErrorResponse{Message: msg}).SetInternal(cause)
}

// BadRequest is returned for malformed requests.
func BadRequest(advice string, err error) *echo.HTTPError {
	return newHTTPError(http.StatusBadRequest, ErrorMessage{Reason: "bad request", Advice: advice}, err)
}

// toHTTPError maps engine errors onto status codes.
func toHTTPError(err error) *echo.HTTPError {
	code := tunepipe.CodeOf(err)
	msg := ErrorMessage{Reason: err.Error(), Code: code}
	switch code {
	case tunepipe.ErrCodeNotFound:
		return newHTTPError(http.StatusNotFound, msg, err)
	case tunepipe.ErrCodeConfig:
		return newHTTPError(http.StatusBadRequest, msg, err)
	case tunepipe.ErrCodeConcurrency, tunepipe.ErrCodeState:
		return newHTTPError(http.StatusConflict, msg, err)
	case tunepipe.ErrCodeCancelled:
		msg.Advice = "the server is shutting down, retry later"
		return newHTTPError(http.StatusServiceUnavailable, msg, err)
	default:
		msg.Reason = "unexpected error"
		msg.Advice = err.Error()
		return newHTTPError(http.StatusInternalServerError, msg, err)
	}
}

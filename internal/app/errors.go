package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Kind classifies the result of a task command. Both the REST handlers and
// the assistant tool bridge report results with the same kinds.
type Kind string

const (
	KindOK                   Kind = "ok"
	KindError                Kind = "error"
	KindRequiresConfirmation Kind = "requires_confirmation"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindAmbiguous            Kind = "ambiguous"
	KindInvalidInput         Kind = "invalid_input"
	KindUpstreamFailure      Kind = "upstream_failure"
)

type Outcome struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (o Outcome) OK() bool {
	return o.Kind == KindOK
}

func ok(data any) Outcome {
	return Outcome{Kind: KindOK, Data: data}
}

func outcome(kind Kind, message string) Outcome {
	return Outcome{Kind: kind, Message: message}
}

// HTTPStatus is the response status the REST surface uses for the outcome.
func (o Outcome) HTTPStatus() int {
	switch o.Kind {
	case KindOK:
		return http.StatusOK
	case KindRequiresConfirmation:
		return http.StatusPreconditionRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAmbiguous:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable error code written in REST error bodies.
func (o Outcome) Code() string {
	switch o.Kind {
	case KindRequiresConfirmation:
		return "CONFIRMATION_REQUIRED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindAmbiguous:
		return "AMBIGUOUS"
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindUpstreamFailure:
		return "UPSTREAM_FAILURE"
	default:
		return "SERVER_ERROR"
	}
}

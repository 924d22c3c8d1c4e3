package management

import (
	"errors"
	"net/http"

	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/internal/app/machine"
	"github.com/R3E-Network/twin_layer/internal/app/script"
	"github.com/R3E-Network/twin_layer/internal/app/service"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
)

// Kind is the wire-level error taxonomy.
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindAlreadyExists      Kind = "AlreadyExists"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindSchemaViolation    Kind = "SchemaViolation"
	KindScriptAborted      Kind = "ScriptAborted"
	KindScriptError        Kind = "ScriptError"
	KindLockContention     Kind = "LockContention"
	KindTransientStorage   Kind = "TransientStorage"
	KindTransientBus       Kind = "TransientBus"
	KindInvalid            Kind = "Invalid"
	KindInternal           Kind = "Internal"
)

// Envelope is the JSON error body returned by the API surface.
type Envelope struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// Classify maps an error onto its wire kind.
func Classify(err error) Kind {
	var scriptErr *script.Error
	var protected *thing.ProtectedFieldError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, service.ErrLockContention):
		return KindLockContention
	case errors.Is(err, storage.ErrPreconditionFailed):
		return KindPreconditionFailed
	case errors.Is(err, machine.ErrSchemaViolation):
		return KindSchemaViolation
	case errors.Is(err, machine.ErrInvalid), errors.As(err, &protected):
		return KindInvalid
	case errors.Is(err, script.ErrAborted):
		return KindScriptAborted
	case errors.As(err, &scriptErr):
		return KindScriptError
	case errors.Is(err, storage.ErrTransient):
		return KindTransientStorage
	case errors.Is(err, eventlog.ErrTransient):
		return KindTransientBus
	default:
		return KindInternal
	}
}

// HTTPStatus maps a kind onto its status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindPreconditionFailed, KindLockContention:
		return http.StatusConflict
	case KindSchemaViolation, KindInvalid:
		return http.StatusBadRequest
	case KindTransientStorage, KindTransientBus:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// EnvelopeFor builds the wire body for an error.
func EnvelopeFor(err error) Envelope {
	return Envelope{Error: Classify(err), Message: err.Error()}
}

package stage

import (
	"errors"

	"github.com/pulsarengine/stage1/internal/bridge"
	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/fetch"
	"github.com/pulsarengine/stage1/internal/identity"
	"github.com/pulsarengine/stage1/internal/request"
	"github.com/pulsarengine/stage1/internal/verify"
)

// Host error codes written to the error slot.
const (
	// ErrorRetry asks the host to run its retry loop again.
	ErrorRetry int32 = -1

	CodeMakeRequest      int32 = 60000
	CodeResponse         int32 = 60001
	CodeHeaderCheck      int32 = 60002
	CodeLengthError      int32 = 60003
	CodeSaltMismatch     int32 = 60004
	CodeSignatureInvalid int32 = 60005
	CodePayloadRejected  int32 = 60006
)

// Code maps a pipeline error to its host error code. It returns 0 for nil.
func Code(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, verify.ErrHeaderMismatch):
		return CodeHeaderCheck
	case errors.Is(err, verify.ErrLengthOutOfRange):
		return CodeLengthError
	case errors.Is(err, verify.ErrSaltMismatch):
		return CodeSaltMismatch
	case errors.Is(err, verify.ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, bridge.ErrRejected),
		errors.Is(err, bridge.ErrRuntime),
		errors.Is(err, envelope.ErrInvalidInfo):
		return CodePayloadRejected
	case errors.Is(err, identity.ErrIdentityUnavailable),
		errors.Is(err, request.ErrInvalidParams),
		errors.Is(err, fetch.ErrRequestCreationFailed):
		return CodeMakeRequest
	default:
		return CodeResponse
	}
}

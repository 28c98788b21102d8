package auth

import (
	"fmt"
	"net/http"
)

// Kind classifies every failure the login flow can surface.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindOAuthProtocol
	KindUpstream
	KindCrypto
	KindConflict
	KindStorage
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindOAuthProtocol:
		return "oauth_protocol"
	case KindUpstream:
		return "upstream"
	case KindCrypto:
		return "crypto"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Step names a state of the callback state machine.
type Step string

const (
	StepValidatingRequest Step = "validating_request"
	StepExchangingCode    Step = "exchanging_code"
	StepFetchingProfile   Step = "fetching_profile"
	StepEncryptingToken   Step = "encrypting_token"
	StepResolvingUser     Step = "resolving_user"
	StepUpdatingExisting  Step = "updating_existing"
	StepCreatingNew       Step = "creating_new"
	StepIssuingSession    Step = "issuing_session"
	StepLoadingToken      Step = "loading_token"
	StepDecryptingToken   Step = "decrypting_token"
	StepAuthenticating    Step = "authenticating"
	StepLoggingOut        Step = "logging_out"
)

const (
	msgBadRequest   = "Bad request."
	msgUnknownOAuth = "Unknown OAuth error."
	msgInternal     = "Internal server error."
	msgUnauthorized = "Unauthorized."
)

// Error is the single failure type returned by Service. Err carries the
// internal cause for logs; it never reaches the response.
type Error struct {
	Kind Kind
	Step Step
	// Description is the provider-supplied reason for KindOAuthProtocol.
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s at %s: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("auth %s at %s", e.Kind, e.Step)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response maps the error to the status and text sent to the client.
func (e *Error) Response() (int, string) {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest, msgBadRequest
	case KindOAuthProtocol:
		if e.Description != "" {
			return http.StatusBadRequest, e.Description
		}
		return http.StatusBadRequest, msgUnknownOAuth
	case KindUnauthorized:
		return http.StatusUnauthorized, msgUnauthorized
	case KindUpstream, KindCrypto, KindConflict, KindStorage:
		return http.StatusInternalServerError, msgInternal
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

func newError(kind Kind, step Step, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}

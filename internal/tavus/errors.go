package tavus

import (
	"fmt"
	"net/http"
)

// ProvisioningError is a non-2xx answer from the provisioning API.
type ProvisioningError struct {
	Status int
	Body   string
}

func (e *ProvisioningError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tavus: create conversation failed with status %d", e.Status)
	}
	return fmt.Sprintf("tavus: create conversation failed with status %d: %s", e.Status, e.Body)
}

// NetworkError means the request never completed: dial, TLS, reset, decode.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("tavus: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TerminationError is a failed end-conversation call. Callers log it and move on.
type TerminationError struct {
	ConversationID string
	Status         int
	Err            error
}

func (e *TerminationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tavus: end conversation %s: %v", e.ConversationID, e.Err)
	}
	return fmt.Sprintf("tavus: end conversation %s failed with status %d", e.ConversationID, e.Status)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// UserMessage is a plain-language explanation of a provisioning failure.
func UserMessage(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "The mentor service rejected the API key. Check the key in settings and try again."
	case status == http.StatusPaymentRequired:
		return "There are no conversation minutes left on this account."
	case status == http.StatusTooManyRequests:
		return "The mentor service is busy right now. Please try again in a moment."
	case status >= 500:
		return "The mentor service is having trouble. Please try again shortly."
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return "The mentor configuration was not accepted. Check the persona and replica in settings."
	default:
		return "We couldn't start your session. Please try again."
	}
}

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

var (
	errNoSuchShare   = domainError(http.StatusBadRequest, "NO_SUCH_SHARE", "No such share", nil)
	errSessionFailed = domainError(http.StatusBadRequest, "SESSION_FAILED", "Failed to create the session", nil)
	errNotEditable   = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
)

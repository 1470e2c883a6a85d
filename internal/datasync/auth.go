package datasync

import (
	"crypto/subtle"
	"net/http"
)

// PlatformUser is the basic auth user the platform presents on every call.
const PlatformUser = "AIQ8Platform"

type authError struct {
	status  int
	message string
}

func (e *authError) Error() string {
	return e.message
}

func authorizeBasic(r *http.Request, password string) *authError {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return &authError{status: http.StatusUnauthorized, message: "missing basic credentials"}
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(PlatformUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
	if !userOK || !passOK {
		return &authError{status: http.StatusUnauthorized, message: "invalid basic credentials"}
	}
	return nil
}

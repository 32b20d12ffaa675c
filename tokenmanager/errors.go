package tokenmanager

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is returned by sources constructed without the
// credentials they need.
var ErrMissingCredentials = errors.New("tokenmanager: missing credentials")

// StatusError reports a token endpoint that answered with something other
// than 200 OK.
type StatusError struct {
	// Op names the failed step, e.g. "session" or "iam token".
	Op         string
	StatusCode int
	// Body is a prefix of the response body, for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tokenmanager: %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("tokenmanager: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

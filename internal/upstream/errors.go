// SPDX-License-Identifier: MIT

package upstream

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a 404 from the upstream repo; retrying will not help.
var ErrNotFound = errors.New("upstream file not found")

// StatusError is returned for unexpected upstream HTTP status codes.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: unexpected status %d", e.URL, e.StatusCode)
}

package logging

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRequestID returns a short random id for tagging the log lines of
// one client connection.
func GenerateRequestID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

package instance

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GetID returns the configured WORKER_ID, or a process-unique identity built
// from the hostname, pid and a random suffix. Lease ownership relies on two
// live processes never sharing an identity.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv("WORKER_ID")); id != "" {
		return id
	}
	return NewID()
}

// NewID always builds a fresh process-unique identity.
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

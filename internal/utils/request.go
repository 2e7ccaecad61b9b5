package utils

import "github.com/google/uuid"

// GenerateRequestID generates a unique request ID stamped on propagation
// calls so a replica can deduplicate replayed pushes.
func GenerateRequestID() string {
	return uuid.NewString()
}

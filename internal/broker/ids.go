package broker

import "github.com/google/uuid"

// newAgentID mints a collision-resistant agent identifier, unique for the
// lifetime of the broker process.
func newAgentID() string {
	return uuid.New().String()
}

package types

import "github.com/google/uuid"

// IsUUID4 reports whether s is a version-4 UUID. This is the single predicate
// that distinguishes a loop-hosted base model id from a pretrained
// starting-point name.
func IsUUID4(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 4
}

// NewUUID4 returns a fresh version-4 UUID string.
func NewUUID4() string {
	return uuid.NewString()
}

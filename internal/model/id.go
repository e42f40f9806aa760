package model

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

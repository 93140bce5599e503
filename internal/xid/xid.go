package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed identifier such as "fpo-3f2b...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

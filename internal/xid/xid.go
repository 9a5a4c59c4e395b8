// Package xid generates prefixed identifiers for audit entries and other rows that
// are not numbered by the database.
package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns "{prefix}-{uuidv7}". Version 7 ids sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString())
	}
	return prefix + "-" + id.String()
}

package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a record id made of the creation timestamp and a random
// suffix. Ids created on different devices while offline do not collide, and
// ids created on one device sort by creation time.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

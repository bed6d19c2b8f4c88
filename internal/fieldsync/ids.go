package fieldsync

import "github.com/google/uuid"

// newID returns a UUIDv7: millisecond creation time followed by random bits,
// so ids stay unique across devices and sort roughly by creation.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newIdempotencyKey() string {
	return "fs-" + uuid.NewString()
}

package utils

import (
	"time"

	"github.com/google/uuid"
)

// NewTurnID returns a UUIDv7. The leading 48 bits are the creation time in
// milliseconds, so turn ids, log lines and debug dump dirs sort by age.
func NewTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// 只有在亂數來源故障時才會發生
		return uuid.NewString()
	}
	return id.String()
}

// TurnIDTime extracts the creation time of an id made by NewTurnID.
func TurnIDTime(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

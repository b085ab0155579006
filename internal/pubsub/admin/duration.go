package admin

import (
	"fmt"
	"time"
)

// parseDuration accepts both Go duration syntax ("600s") and plain
// seconds ("600") since the production API historically accepted the
// latter for retention/ack-deadline fields.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil {
		return 0, fmt.Errorf("not a valid duration: %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}

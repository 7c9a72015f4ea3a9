//go:build !mediadevices || !linux

package peer

import (
	"relay-call/pkg/log"
)

// NewDeviceSource falls back to receiving only when capture support is not
// compiled in.
func NewDeviceSource() (MediaSource, error) {
	log.Warn("built without capture support, local media is receive-only")

	return ReceiveOnly{}, nil
}

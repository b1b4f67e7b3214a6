package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxRoomIDLength     = 128
	maxMediatorIDLength = 64
)

var (
	// RoomIDRegex validates room identifiers
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

	// MediatorIDRegex validates mediator identifiers
	MediatorIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomID validates a room identifier
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > maxRoomIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", maxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateMediatorID validates a mediator identifier. Empty is allowed and
// means the signaling server assigns one.
func ValidateMediatorID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxMediatorIDLength {
		return fmt.Errorf("mediator ID is too long (max %d characters)", maxMediatorIDLength)
	}
	if !MediatorIDRegex.MatchString(id) {
		return fmt.Errorf("invalid mediator ID format")
	}
	return nil
}

// ValidateSlotIndex validates a slot index carried on the wire
func ValidateSlotIndex(index int) error {
	if index < 0 {
		return fmt.Errorf("slot index must be >= 0")
	}
	return nil
}

// ValidateSDP performs a shallow sanity check of a session description body
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("sdp must start with a version line")
	}
	return nil
}

// ValidateSignalURL validates a websocket URL for the signaling channel
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

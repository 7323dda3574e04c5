// Package state provides checkpoint persistence for the overlay: fixed-size
// binary blobs for the allocator and a small JSON session record.
package state

import "time"

// SessionVersion is written into every session record.
const SessionVersion = 1

// Session is the part of the mount configuration that survives between
// invocations.
type Session struct {
	// Virtual root the session was recorded against
	VirtualRoot string `json:"virtual_root"`

	// Current virtual directory
	CurrentPath string `json:"current_path"`

	// When the allocator was last formatted
	FormattedAt time.Time `json:"formatted_at"`

	// Version for future compatibility
	Version int `json:"version"`
}

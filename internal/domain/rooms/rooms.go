package rooms

import "regexp"

// DefaultID is the room a connection lands in when no room code was given.
const DefaultID = "default"

// User-chosen room codes are exactly 6 lowercase alphanumeric characters.
var codePattern = regexp.MustCompile(`^[a-z0-9]{6}$`)

// ValidID reports whether id is the default room or a well-formed room code.
func ValidID(id string) bool {
	return id == DefaultID || codePattern.MatchString(id)
}

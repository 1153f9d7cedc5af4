package session

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idLength = 21

// NewID mints a random session id.
func NewID() string {
	id, err := gonanoid.New(idLength)
	if err != nil {
		// gonanoid only fails when the system entropy source is broken
		panic(err)
	}
	return id
}

// IDIsValid reports whether value is a well-formed session id.
func IDIsValid(value string) bool {
	if len(value) != idLength {
		return false
	}
	for _, c := range value {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

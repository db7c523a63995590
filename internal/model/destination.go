package model

import "fmt"

// Method is the physical action a destination performs.
type Method string

// Destination method constants.
const (
	MethodMove    Method = "move"
	MethodCopy    Method = "copy"
	MethodForward Method = "forward"
)

// ParseMethod validates a configured method string.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodMove, MethodCopy, MethodForward:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown destination method %q", s)
	}
}

// FallbackKey is the distinguished routing key that must always resolve to a
// destination; messages with no other home go here.
const FallbackKey = "fallback"

// Destination describes where a routing key sends a message. FolderPath is
// the ordered folder segments below the mailbox root and only applies to
// move/copy destinations.
type Destination struct {
	Key        string
	Method     Method
	Mailbox    string
	FolderPath []string
}

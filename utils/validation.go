package utils

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageRunes bounds a single support message
	MaxMessageRunes = 2000
	// MaxThreadIDLength bounds thread identifiers accepted from clients
	MaxThreadIDLength = 64
)

// Validation error codes
const (
	CodeEmptyMessage    = "EMPTY_MESSAGE"
	CodeMessageTooLong  = "MESSAGE_TOO_LONG"
	CodeInvalidThreadID = "INVALID_THREAD_ID"
	CodeInvalidSender   = "INVALID_SENDER"
)

// ValidationError represents input rejected before any store mutation
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateMessageText checks that text is non-empty and within the size bound.
// It returns the text with surrounding whitespace removed.
func ValidateMessageText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ValidationError{
			Code:    CodeEmptyMessage,
			Message: "Message text is required",
		}
	}

	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return "", &ValidationError{
			Code:    CodeMessageTooLong,
			Message: fmt.Sprintf("Message text must be at most %d characters", MaxMessageRunes),
		}
	}

	return text, nil
}

// ValidateThreadID checks the shape of a client-supplied thread id
func ValidateThreadID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxThreadIDLength {
		return "", &ValidationError{
			Code:    CodeInvalidThreadID,
			Message: "A valid thread id is required",
		}
	}
	return id, nil
}

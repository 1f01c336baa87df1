package orchestrator

import (
	"errors"
	"fmt"
)

// Apology is sent in place of a reply when generation fails.
const Apology = "I'm having trouble thinking right now. Can you try again?"

var errEmptyCompletion = errors.New("empty completion")

// InputError reports a request rejected before any processing.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

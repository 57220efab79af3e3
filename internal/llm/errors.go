package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrFatalAPI marks provider errors that no retry can fix (billing, quota,
// credentials). A run hitting one fails instead of moving to the next batch.
var ErrFatalAPI = errors.New("fatal LLM API error")

// ErrRequestTimeout is returned when a single provider call exceeds the
// configured request timeout. It wraps os.ErrDeadlineExceeded so the retry
// policy treats it as transient.
var ErrRequestTimeout = fmt.Errorf("llm request timeout: %w", os.ErrDeadlineExceeded)

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"invalid x-api-key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %w", ErrFatalAPI, err)
	}
	return err
}

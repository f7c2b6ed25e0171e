package extract

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyOutput is returned when the model reply contains no text.
	ErrEmptyOutput = errors.New("model reply is empty")

	// ErrBadEnvelope is returned when the reply is not wrapped in the
	// expected markdown code fence.
	ErrBadEnvelope = errors.New("model reply does not contain a fenced payload")
)

// ParseEnvelope strips the markdown code fence the prompt asks the model to
// wrap its JSON in. The reply must open with a ```json (or bare ```) marker
// and close with a ``` marker; anything else is ErrBadEnvelope. The returned
// body is trimmed but not parsed, so a fenced "None" passes through here and
// is rejected later by the table assembler.
func ParseEnvelope(reply string) (string, error) {
	text := strings.TrimSpace(reply)
	if text == "" {
		return "", ErrEmptyOutput
	}

	var body string
	switch {
	case strings.HasPrefix(text, "```json"):
		body = strings.TrimPrefix(text, "```json")
	case strings.HasPrefix(text, "```"):
		body = strings.TrimPrefix(text, "```")
	default:
		return "", ErrBadEnvelope
	}

	if !strings.HasSuffix(body, "```") {
		return "", ErrBadEnvelope
	}
	body = strings.TrimSuffix(body, "```")

	return strings.TrimSpace(body), nil
}

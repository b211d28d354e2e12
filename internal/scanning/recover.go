package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// contextRadius is how many characters around a parse error offset are quoted in diagnostics
const contextRadius = 100

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// RecoverJSON normalises model output that should contain a JSON object:
// it strips a surrounding code fence, keeps the outermost {...} span and
// removes trailing commas before a closing brace or bracket. It never fails.
func RecoverJSON(text string) string {
	cleaned := strings.TrimSpace(text)

	if rest, ok := strings.CutPrefix(cleaned, "```"); ok {
		// Drop an optional language tag such as ```json
		tagEnd := strings.IndexFunc(rest, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
		})
		if tagEnd == -1 {
			tagEnd = len(rest)
		}
		cleaned = rest[tagEnd:]
		cleaned = strings.TrimSpace(cleaned)
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start != -1 && end > start {
		cleaned = cleaned[start : end+1]
	}

	return trailingComma.ReplaceAllString(cleaned, "$1")
}

// DecodeJSON recovers and decodes model output into v. A remaining parse failure is
// reported as receipt.ErrMalformedOutput with the length and neighbourhood of the error.
func DecodeJSON(text string, v any) error {
	cleaned := RecoverJSON(text)
	if !strings.HasPrefix(cleaned, "{") {
		return fmt.Errorf("%w: no JSON object found in response (length %d)", receipt.ErrMalformedOutput, len(cleaned))
	}

	err := json.Unmarshal([]byte(cleaned), v)
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf("%v. Response length: %d", err, len(cleaned))
	if offset, ok := errorOffset(err); ok {
		msg += fmt.Sprintf(". Context around position %d: %q", offset, neighbourhood(cleaned, int(offset)))
	}
	return fmt.Errorf("%w: %s", receipt.ErrMalformedOutput, msg)
}

func errorOffset(err error) (int64, bool) {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Offset, true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Offset, true
	}
	return 0, false
}

func neighbourhood(s string, offset int) string {
	start := max(0, offset-contextRadius)
	end := min(len(s), offset+contextRadius)
	if start > end {
		return ""
	}
	return s[start:end]
}

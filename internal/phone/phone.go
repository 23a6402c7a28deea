// Package phone normalizes recipient numbers to E.164 before a queue item
// is ever persisted, mirroring the validation the original platform ran in
// its phone_validator module.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// InvalidNumberError is returned when raw cannot be parsed or does not
// denote a valid, dialable number for the given default region.
type InvalidNumberError struct {
	Raw    string
	Region string
	Reason error
}

func (e *InvalidNumberError) Error() string {
	if e.Region != "" {
		return fmt.Sprintf("phone number %q is not valid for region %q: %v", e.Raw, e.Region, e.Reason)
	}
	return fmt.Sprintf("phone number %q is not valid: %v", e.Raw, e.Reason)
}

func (e *InvalidNumberError) Unwrap() error { return e.Reason }

// Normalize strips whitespace, dots and hyphens from raw, parses it against
// defaultRegion (an ISO 3166-1 alpha-2 code such as "FR", ignored when raw is
// already in international +E.164 form) and returns the number formatted as
// E.164. The result always begins with '+' and contains only digits after
// that.
func Normalize(raw, defaultRegion string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", ".", "", "-", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return "", &InvalidNumberError{Raw: raw, Region: defaultRegion, Reason: fmt.Errorf("empty phone number")}
	}

	parsed, err := phonenumbers.Parse(cleaned, defaultRegion)
	if err != nil {
		return "", &InvalidNumberError{Raw: raw, Region: defaultRegion, Reason: err}
	}

	if !phonenumbers.IsValidNumber(parsed) {
		return "", &InvalidNumberError{Raw: raw, Region: defaultRegion, Reason: fmt.Errorf("not a valid dialable number")}
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

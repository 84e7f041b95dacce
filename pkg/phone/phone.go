package phone

import (
	"fmt"
	"strings"
)

// Normalize converts a Kenyan mobile number into the canonical 2547XXXXXXXX /
// 2541XXXXXXXX form expected by the payment provider. Accepted inputs:
// "+2547...", "2547...", "07...", "01..." and "7.../1..." with optional
// spaces and dashes.
func Normalize(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case strings.HasPrefix(cleaned, "254"):
		// already in international form
	case strings.HasPrefix(cleaned, "0"):
		cleaned = "254" + cleaned[1:]
	case strings.HasPrefix(cleaned, "7") || strings.HasPrefix(cleaned, "1"):
		cleaned = "254" + cleaned
	default:
		return "", fmt.Errorf("unrecognized phone number format: %q", raw)
	}

	if len(cleaned) != 12 {
		return "", fmt.Errorf("phone number %q has wrong length after normalization", raw)
	}

	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("phone number %q contains non-digit characters", raw)
		}
	}

	return cleaned, nil
}

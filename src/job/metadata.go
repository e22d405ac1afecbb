package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/square-key-labs/strawgo-callagent/src/logger"
)

// ParseMetadata extracts the phone_number field from job metadata.
//
// Empty metadata, a missing field, a non-string value or a blank number all
// yield an empty number and no error. An error is only returned when the
// metadata is not a JSON object.
func ParseMetadata(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("invalid job metadata: %w", err)
	}

	value, ok := fields["phone_number"]
	if !ok {
		return "", nil
	}
	var phone string
	if err := json.Unmarshal(value, &phone); err != nil {
		return "", nil
	}
	return strings.TrimSpace(phone), nil
}

// ResolveIntent computes the call intent of a job. Malformed metadata
// resolves to Inbound and is logged.
func ResolveIntent(raw string, log *logger.Logger) Intent {
	phone, err := ParseMetadata(raw)
	if err != nil {
		if log != nil {
			log.Warn("Ignoring job metadata: %v", err)
		}
		return InboundIntent()
	}
	if phone == "" {
		return InboundIntent()
	}
	return OutboundIntent(phone)
}

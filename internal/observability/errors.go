package observability

import (
	"errors"
	"fmt"
)

// JoinErrors drops the nil entries of errs and reports the rest as a single
// "<operation> failed" error, logged once through logger (the global logger
// when nil). It returns nil when every step succeeded. fields is never
// modified.
func JoinErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	joined := errors.Join(failed...)
	entry := make([]Field, 0, len(fields)+3)
	entry = append(entry, fields...)
	entry = append(entry,
		F("operation", operation),
		F("error_count", len(failed)),
		F("error", joined))
	Or(logger).Error(operation+" failed", entry...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}

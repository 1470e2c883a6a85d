package datasync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedETag   = errors.New("malformed entity tag")
	errMissingRevision = errors.New("document has no _rev")
)

// FormatETag encodes a revision as a quoted decimal entity tag.
func FormatETag(revision int64) string {
	return `"` + strconv.FormatInt(revision, 10) + `"`
}

// ParseETag decodes an entity tag produced by FormatETag. A weak prefix is
// tolerated; anything else that is not a quoted non-negative decimal is
// rejected.
func ParseETag(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) < 3 || value[0] != '"' || value[len(value)-1] != '"' {
		return 0, fmt.Errorf("%w: %q", ErrMalformedETag, value)
	}
	digits := value[1 : len(value)-1]
	if digits[0] == '+' || digits[0] == '-' {
		return 0, fmt.Errorf("%w: %q", ErrMalformedETag, value)
	}
	revision, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedETag, value)
	}
	return revision, nil
}

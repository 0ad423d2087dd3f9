package domain

import (
	"fmt"
	"strings"
)

// CheckMode selects the verification depth a worker applies to a task.
type CheckMode string

// Supported check modes.
const (
	CheckModeQuick CheckMode = "quick"
	CheckModeFull  CheckMode = "full"
)

// CheckModes lists every supported check mode.
var CheckModes = []CheckMode{CheckModeQuick, CheckModeFull}

// Valid reports whether m is a supported check mode.
func (m CheckMode) Valid() bool {
	switch m {
	case CheckModeQuick, CheckModeFull:
		return true
	}
	return false
}

// ParseCheckMode converts user input into a CheckMode.
func ParseCheckMode(s string) (CheckMode, error) {
	m := CheckMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCheckMode, s)
	}
	return m, nil
}

// ResultCode is the status code a worker reports for a task.
type ResultCode int

// Worker result codes.
const (
	ResultReset         ResultCode = 0
	ResultInProgress    ResultCode = 1
	ResultConfirmedGood ResultCode = 2
	ResultConfirmedBad  ResultCode = 3
	ResultAlternateGood ResultCode = 4
	ResultWorkerError   ResultCode = 5
)

// Outcome maps a result code onto the task status it produces. terminal is
// false for in-progress reports, which only refresh the lease.
func (c ResultCode) Outcome() (status TaskStatus, terminal bool, err error) {
	switch c {
	case ResultReset:
		return TaskStatusUnknown, true, nil
	case ResultInProgress:
		return "", false, nil
	case ResultConfirmedGood, ResultAlternateGood:
		return TaskStatusResolvedGood, true, nil
	case ResultConfirmedBad:
		return TaskStatusResolvedBad, true, nil
	case ResultWorkerError:
		return TaskStatusError, true, nil
	}
	return "", false, fmt.Errorf("%w: %d", ErrUnknownResultCode, int(c))
}

// Attributes is origin metadata a worker attaches to a result. Only
// allow-listed keys with enumerated values survive FilterAttributes.
type Attributes map[string]string

var attributeAllowList = map[string][]string{
	"origin":    {"residential", "datacenter", "mobile"},
	"region":    {"eu", "na", "sa", "apac", "mea"},
	"transport": {"direct", "proxy", "relay"},
}

// FilterAttributes keeps the allow-listed subset of raw. Unknown keys,
// non-string values and values outside a key's enumeration are ignored.
func FilterAttributes(raw map[string]any) Attributes {
	if len(raw) == 0 {
		return nil
	}
	out := make(Attributes)
	for key, value := range raw {
		allowed, ok := attributeAllowList[strings.ToLower(key)]
		if !ok {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		for _, candidate := range allowed {
			if candidate == s {
				out[strings.ToLower(key)] = s
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

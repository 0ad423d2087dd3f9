package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxItemLength is the longest accepted normalized item, in bytes.
const MaxItemLength = 512

// NormalizeItem turns a raw submitted item into its fingerprint: surrounding
// whitespace trimmed, inner whitespace runs collapsed to one space, lower
// case. Empty, oversized and control-character items are rejected.
func NormalizeItem(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	for _, r := range trimmed {
		if r != '\t' && unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidItem)
		}
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(trimmed), " "))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItem)
	}
	if len(normalized) > MaxItemLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidItem, MaxItemLength)
	}
	return normalized, nil
}

// ParsedBatch is the outcome of parsing a raw submission.
type ParsedBatch struct {
	Fingerprints []string
	Invalid      int
	Duplicates   int
}

// ParseBatch normalizes each raw item independently. Invalid items are
// counted and dropped, duplicates collapse onto the first occurrence, and
// the surviving fingerprints keep submission order.
func ParseBatch(raw []string) ParsedBatch {
	var batch ParsedBatch
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		fp, err := NormalizeItem(item)
		if err != nil {
			batch.Invalid++
			continue
		}
		if _, dup := seen[fp]; dup {
			batch.Duplicates++
			continue
		}
		seen[fp] = struct{}{}
		batch.Fingerprints = append(batch.Fingerprints, fp)
	}
	return batch
}

package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const keyLength = 16

// Key returns the cache key of a source URL: the xxhash64 digest of the
// trimmed URL as 16 lowercase hex characters. It doubles as the file stem
// of the cached artifact.
func Key(sourceURL string) string {
	sum := xxhash.Sum64String(strings.TrimSpace(sourceURL))

	s := strconv.FormatUint(sum, 16)
	if len(s) < keyLength {
		s = strings.Repeat("0", keyLength-len(s)) + s
	}

	return s
}

// validKey reports whether s could have been produced by Key.
func validKey(s string) bool {
	if len(s) != keyLength {
		return false
	}

	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

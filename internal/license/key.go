package license

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// KeyPrefix marks every key issued by this service.
const KeyPrefix = "LK-"

// NewKey returns a fresh license key: 160 random bits, base32 encoded and
// grouped by four characters. It panics if the system random source fails.
func NewKey() string {
	// 20 bytes => 32 base32 chars (no padding)
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("license: random source unavailable: %v", err))
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	s := enc.EncodeToString(b)
	var parts []string
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		parts = append(parts, s[i:end])
	}
	return KeyPrefix + strings.Join(parts, "-")
}

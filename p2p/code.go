package p2p

import (
	cryptorand "crypto/rand"
	"math/rand"
	"regexp"
	"strings"
)

// codeLetters excludes I and O to avoid visual confusion with 1 and 0.
const codeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
const codeDigits = "0123456789"

var codePattern = regexp.MustCompile(`^[A-Z]{4}-\d{4}$`)

// GenerateCode returns an 8-character sharing code in LLLL-DDDD form,
// drawn from a CSPRNG when available. It only falls back to a
// pseudo-random source if the system CSPRNG is unreadable, which does not
// happen on any supported platform but is handled rather than panicking.
func GenerateCode() string {
	var seed [8]byte
	if _, err := cryptorand.Read(seed[:]); err == nil {
		return assembleCode(seed[:])
	}
	for i := range seed {
		seed[i] = byte(rand.Intn(256))
	}
	return assembleCode(seed[:])
}

func assembleCode(seed []byte) string {
	letters := make([]byte, 4)
	for i := 0; i < 4; i++ {
		letters[i] = codeLetters[int(seed[i])%len(codeLetters)]
	}
	digits := make([]byte, 4)
	for i := 0; i < 4; i++ {
		digits[i] = codeDigits[int(seed[4+i])%len(codeDigits)]
	}
	return string(letters) + "-" + string(digits)
}

// ValidateCode trims and upper-cases input, then checks it against the
// LLLL-DDDD shape. It returns the normalised code and whether it is valid.
func ValidateCode(input string) (string, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(input))
	return normalized, codePattern.MatchString(normalized)
}

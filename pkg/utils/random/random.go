package random

import (
	"crypto/rand"
	"math/big"
)

// Ambiguous characters (0/O, 1/I) are excluded so room codes stay
// readable when shared aloud.
const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func Code(length int) string {
	if length <= 0 {
		return ""
	}
	max := big.NewInt(int64(len(letters)))
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			out[i] = letters[0]
			continue
		}
		out[i] = letters[n.Int64()]
	}
	return string(out)
}

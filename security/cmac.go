package security

import (
	"crypto/aes"

	cmac "github.com/chmike/cmac-go"
)

// cmacKey computes AES-CMAC(seed) under key and fits the 16-byte MAC to
// the seed's length, the way the built-in byte-wise algorithms do.
// Grounded in the vendor-DLL security-access model this tool supplements:
// vendor algorithms are frequently CMAC- or AES-based rather than the
// textbook XOR/ADD/complement set.
func cmacKey(seed, key []byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, key)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(seed); err != nil {
		return nil, err
	}
	return fitToLength(h.Sum(nil), len(seed)), nil
}

package seed

import "golang.org/x/crypto/curve25519"

// x25519PublicKey computes the Curve25519 base-point scalar multiplication
// for a clamped secret scalar.
func x25519PublicKey(secret [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

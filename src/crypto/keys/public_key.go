package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"

	"github.com/arosloff/streamlet-transparency-logging/src/common"
)

// ToPublicKey is a wrapper around elliptic.Unmarshal on the curve returned by
// Curve(). The argument pub is expected to be the uncompressed form of a point
// on the curve, as returned by FromPublicKey. It returns nil if pub does not
// parse.
func ToPublicKey(pub []byte) *ecdsa.PublicKey {
	if len(pub) == 0 {
		return nil
	}
	x, y := elliptic.Unmarshal(Curve(), pub)
	if x == nil {
		return nil
	}
	return &ecdsa.PublicKey{Curve: Curve(), X: x, Y: y}
}

// FromPublicKey is a wrapper around elliptic.Marshal. It outputs the point in
// uncompressed form.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(Curve(), pub.X, pub.Y)
}

// PublicKeyID gives a compact uint32 representation of a public key. There is
// obviously a risk of collision; the ID is used for logging, not for
// authentication.
func PublicKeyID(pub *ecdsa.PublicKey) uint32 {
	return common.Hash32(FromPublicKey(pub))
}

// PublicKeyHex returns the hexadecimal representation of the uncompressed form
// of the public key.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return common.EncodeToString(FromPublicKey(pub))
}

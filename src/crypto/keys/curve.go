package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

/*
Node identities are based on elliptic curve cryptography, on the secp256k1
curve, which is also used by Bitcoin and Ethereum.
*/

//Parameters of the secp256k1 curve. Used to verify that a parsed private key
//is valid.
var (
	secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
)

//Curve returns the elliptic.Curve used for all keys and signatures. We use
//btcsuite's golang implementation of secp256k1.
func Curve() elliptic.Curve {
	return btcec.S256()
}

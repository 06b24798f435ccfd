package chain

import (
	"bytes"
	"crypto/ecdsa"

	"github.com/arosloff/streamlet-transparency-logging/src/common"
	"github.com/arosloff/streamlet-transparency-logging/src/crypto"
	"github.com/arosloff/streamlet-transparency-logging/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// BlockBody holds the fields covered by a block's hash. It is immutable after
// construction.
type BlockBody struct {
	Epoch      uint64
	Height     uint64
	ParentHash []byte
	Data       []byte
}

//Marshal - canonical json encoding of the body only
func (bb *BlockBody) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(bb); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (bb *BlockBody) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(bb)
}

// Hash ...
func (bb *BlockBody) Hash() ([]byte, error) {
	hashBytes, err := bb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

// Block is a BlockBody together with the signatures collected over its hash.
// The Signatures map, keyed by validator public key hex, is the block's
// notarization set; it reaches quorum independently of the body.
type Block struct {
	Body       BlockBody
	Signatures map[string]string // [validator pubkey hex] => encoded signature

	hash []byte
	hex  string
}

// NewBlock constructs a block extending parentHash at the given epoch and
// height, with an empty notarization set.
func NewBlock(epoch, height uint64, parentHash, data []byte) *Block {
	return &Block{
		Body: BlockBody{
			Epoch:      epoch,
			Height:     height,
			ParentHash: parentHash,
			Data:       data,
		},
		Signatures: make(map[string]string),
	}
}

// Clean returns a copy of the block with an empty notarization set. Blocks
// received over the wire carry whatever signature map the sender put there;
// only signatures verified locally may enter the notarization set, so inbound
// blocks are cleaned before insertion.
func (b *Block) Clean() *Block {
	return NewBlock(b.Body.Epoch, b.Body.Height, b.Body.ParentHash, b.Body.Data)
}

// Epoch ...
func (b *Block) Epoch() uint64 {
	return b.Body.Epoch
}

// Height ...
func (b *Block) Height() uint64 {
	return b.Body.Height
}

// Data ...
func (b *Block) Data() []byte {
	return b.Body.Data
}

// ParentHex returns the hex representation of the parent hash.
func (b *Block) ParentHex() string {
	return common.EncodeToString(b.Body.ParentHash)
}

// Hash returns the block's identity: the sha256 digest of the marshalled
// body. It is computed once and cached.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		hash, err := b.Body.Hash()
		if err != nil {
			return nil, err
		}
		b.hash = hash
	}
	return b.hash, nil
}

// Hex is the hex representation of Hash.
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}

// Equals reports whether both blocks have the same hash.
func (b *Block) Equals(o *Block) bool {
	h1, err1 := b.Hash()
	h2, err2 := o.Hash()
	return err1 == nil && err2 == nil && bytes.Equal(h1, h2)
}

// Sign produces an encoded signature over the block's hash.
func (b *Block) Sign(priv *ecdsa.PrivateKey) (string, error) {
	signBytes, err := b.Hash()
	if err != nil {
		return "", err
	}
	r, s, err := keys.Sign(priv, signBytes)
	if err != nil {
		return "", err
	}
	return keys.EncodeSignature(r, s), nil
}

// SetSignature records a validator's signature in the notarization set.
// Recording the same validator twice is idempotent.
func (b *Block) SetSignature(validatorHex, sig string) {
	if b.Signatures == nil {
		b.Signatures = make(map[string]string)
	}
	b.Signatures[validatorHex] = sig
}

// Verify checks an encoded signature over this block's hash against a public
// key. It returns false, never an error, on any failure.
func (b *Block) Verify(pub *ecdsa.PublicKey, sig string) bool {
	signBytes, err := b.Hash()
	if err != nil {
		return false
	}
	return keys.VerifyEncoded(pub, signBytes, sig)
}

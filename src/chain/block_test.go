package chain

import (
	"testing"

	"github.com/arosloff/streamlet-transparency-logging/src/crypto/keys"
)

func TestBlockHashDeterminism(t *testing.T) {
	genesis := NewGenesisBlock()

	parentHash, err := genesis.Hash()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	b1 := NewBlock(1, 1, parentHash, []byte("payload"))
	b2 := NewBlock(1, 1, parentHash, []byte("payload"))

	if b1.Hex() != b2.Hex() {
		t.Fatalf("identical bodies should hash identically: %s != %s", b1.Hex(), b2.Hex())
	}

	if !b1.Equals(b2) {
		t.Fatalf("identical bodies should be equal")
	}

	b3 := NewBlock(2, 1, parentHash, []byte("payload"))
	if b1.Hex() == b3.Hex() {
		t.Fatalf("different epochs should hash differently")
	}
}

func TestBlockHashIgnoresSignatures(t *testing.T) {
	genesis := NewGenesisBlock()
	parentHash, _ := genesis.Hash()

	b1 := NewBlock(1, 1, parentHash, []byte("payload"))
	b2 := NewBlock(1, 1, parentHash, []byte("payload"))

	b2.SetSignature("somevalidator", "somesig")

	if b1.Hex() != b2.Hex() {
		t.Fatalf("signatures must not contribute to the block hash")
	}
}

func TestBlockClean(t *testing.T) {
	genesis := NewGenesisBlock()
	parentHash, _ := genesis.Hash()

	b := NewBlock(1, 1, parentHash, []byte("payload"))
	b.SetSignature("somevalidator", "somesig")

	clean := b.Clean()

	if !clean.Equals(b) {
		t.Fatalf("clean copy should keep the same hash")
	}
	if len(clean.Signatures) != 0 {
		t.Fatalf("clean copy should have an empty notarization set")
	}
}

func TestBlockSignVerify(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	genesis := NewGenesisBlock()
	parentHash, _ := genesis.Hash()

	b := NewBlock(1, 1, parentHash, []byte("payload"))

	sig, err := b.Sign(key)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !b.Verify(&key.PublicKey, sig) {
		t.Fatalf("signature should verify under the signing key")
	}

	otherKey, _ := keys.GenerateECDSAKey()
	if b.Verify(&otherKey.PublicKey, sig) {
		t.Fatalf("signature should not verify under another key")
	}

	other := NewBlock(2, 1, parentHash, []byte("payload"))
	if other.Verify(&key.PublicKey, sig) {
		t.Fatalf("signature should not verify over another block")
	}
}

func TestBlockBodyMarshalRoundTrip(t *testing.T) {
	genesis := NewGenesisBlock()
	parentHash, _ := genesis.Hash()

	bb := BlockBody{Epoch: 3, Height: 2, ParentHash: parentHash, Data: []byte("payload")}

	raw, err := bb.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	var decoded BlockBody
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatalf("err: %v", err)
	}

	h1, _ := bb.Hash()
	h2, _ := decoded.Hash()
	if string(h1) != string(h2) {
		t.Fatalf("round trip changed the body hash")
	}
}

func TestGenesisBlock(t *testing.T) {
	g1 := NewGenesisBlock()
	g2 := NewGenesisBlock()

	if !g1.Equals(g2) {
		t.Fatalf("all nodes must agree on the genesis block")
	}

	if g1.Epoch() != 0 || g1.Height() != 0 {
		t.Fatalf("genesis should sit at epoch 0, height 0")
	}
}

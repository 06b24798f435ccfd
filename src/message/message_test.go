package message

import (
	"crypto/ecdsa"
	"testing"

	"github.com/arosloff/streamlet-transparency-logging/src/chain"
	"github.com/arosloff/streamlet-transparency-logging/src/crypto/keys"
	"github.com/arosloff/streamlet-transparency-logging/src/validators"
)

func testSet(t *testing.T, privs ...*ecdsa.PrivateKey) *validators.Set {
	set := validators.NewSet(len(privs))
	for i, priv := range privs {
		if _, err := set.Add(string(rune('a'+i)), keys.PublicKeyHex(&priv.PublicKey)); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
	return set
}

func testBlock(t *testing.T) *chain.Block {
	genesis := chain.NewGenesisBlock()
	parentHash, err := genesis.Hash()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return chain.NewBlock(1, 1, parentHash, []byte("payload"))
}

func TestMessageRoundTrip(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	msg := New(Propose, Payload{Block: testBlock(t)})
	if err := msg.Sign(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	decoded := new(Message)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatalf("err: %v", err)
	}

	if decoded.Kind != msg.Kind || decoded.Nonce != msg.Nonce {
		t.Fatalf("envelope fields lost in round trip")
	}
	if !decoded.Payload.Block.Equals(msg.Payload.Block) {
		t.Fatalf("block payload lost in round trip")
	}

	set := testSet(t, key)
	if decoded.Verify(set) != 1 {
		t.Fatalf("signature should survive the round trip")
	}
}

func TestSignWithoutContainerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Sign on a bare message should panic")
		}
	}()

	key, _ := keys.GenerateECDSAKey()

	msg := NewBare(Test, Payload{Text: "hello"})
	msg.Sign(key)
}

func TestCredits(t *testing.T) {
	k1, _ := keys.GenerateECDSAKey()
	k2, _ := keys.GenerateECDSAKey()
	k3, _ := keys.GenerateECDSAKey()

	set := testSet(t, k1, k2, k3)

	msg := New(Vote, Payload{Block: testBlock(t)})
	if err := msg.Sign(k1); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := msg.Sign(k2); err != nil {
		t.Fatalf("err: %v", err)
	}

	credits := msg.Credits(set)
	if len(credits) != 2 {
		t.Fatalf("expected 2 credited validators, got %d", len(credits))
	}

	if _, ok := credits[keys.PublicKeyHex(&k1.PublicKey)]; !ok {
		t.Fatalf("first signer not credited")
	}
	if _, ok := credits[keys.PublicKeyHex(&k2.PublicKey)]; !ok {
		t.Fatalf("second signer not credited")
	}
	if _, ok := credits[keys.PublicKeyHex(&k3.PublicKey)]; ok {
		t.Fatalf("non-signer credited")
	}
}

func TestCreditsDeduplicatesSigners(t *testing.T) {
	k1, _ := keys.GenerateECDSAKey()

	set := testSet(t, k1)

	msg := New(Vote, Payload{Block: testBlock(t)})
	msg.Sign(k1)
	msg.Sign(k1)
	msg.Sign(k1)

	if got := msg.Verify(set); got != 1 {
		t.Fatalf("a validator is credited at most once, got %d", got)
	}
}

func TestCreditsIgnoresUnknownSigners(t *testing.T) {
	known, _ := keys.GenerateECDSAKey()
	unknown, _ := keys.GenerateECDSAKey()

	set := testSet(t, known)

	msg := New(Vote, Payload{Block: testBlock(t)})
	msg.Sign(known)
	msg.Sign(unknown)

	if got := msg.Verify(set); got != 1 {
		t.Fatalf("signatures from outside the set must not count, got %d", got)
	}
}

func TestSignaturesCoverPayloadOnly(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()
	set := testSet(t, key)

	msg := New(Vote, Payload{Block: testBlock(t)})
	msg.Sign(key)

	// Kind and Nonce are not covered by the signature
	msg.Kind = Propose
	msg.Nonce = 42

	if msg.Verify(set) != 1 {
		t.Fatalf("rewriting envelope fields should not invalidate signatures")
	}
}

func TestBlockSignaturesInterchangeable(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	block := testBlock(t)

	msg := New(Propose, Payload{Block: block})
	if err := msg.Sign(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	// An envelope signature over a block payload is a signature over the
	// block's hash, usable directly in the notarization set.
	if !block.Verify(&key.PublicKey, msg.Signatures[0]) {
		t.Fatalf("envelope signature should verify as a block signature")
	}
}

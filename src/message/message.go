package message

import (
	"bytes"
	"crypto/ecdsa"
	"math/rand"

	"github.com/arosloff/streamlet-transparency-logging/src/chain"
	"github.com/arosloff/streamlet-transparency-logging/src/crypto"
	"github.com/arosloff/streamlet-transparency-logging/src/crypto/keys"
	"github.com/arosloff/streamlet-transparency-logging/src/validators"
	"github.com/ugorji/go/codec"
)

// Kind discriminates protocol messages.
type Kind uint8

const (
	// Test is a best-effort broadcast message with no consensus meaning.
	Test Kind = iota
	// Propose carries a leader's proposed block.
	Propose
	// Vote carries a block plus the voter's signature over its hash.
	Vote
	// PeerAdvertisement announces a validator's public key.
	PeerAdvertisement
	// EndDiscovery signals that the peer-discovery phase is complete.
	EndDiscovery
)

// String ...
func (k Kind) String() string {
	switch k {
	case Test:
		return "Test"
	case Propose:
		return "Propose"
	case Vote:
		return "Vote"
	case PeerAdvertisement:
		return "PeerAdvertisement"
	case EndDiscovery:
		return "EndDiscovery"
	default:
		return "Unknown"
	}
}

// Advertisement is the payload of a PeerAdvertisement message.
type Advertisement struct {
	Moniker   string
	PubKeyHex string
}

// Payload is a one-of container: exactly one field is set, according to the
// message Kind.
type Payload struct {
	Block *chain.Block   `codec:"block,omitempty"`
	Text  string         `codec:"text,omitempty"`
	Ad    *Advertisement `codec:"ad,omitempty"`
}

//Marshal - canonical json encoding of the payload only
func (p *Payload) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(p); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Message is the envelope crossing the transport boundary. Signatures, when
// the container is present, cover the serialized payload only; Kind and Nonce
// can be rewritten without invalidating prior signatures.
type Message struct {
	Kind       Kind
	Nonce      uint32
	Payload    Payload
	Signatures []string
}

// New creates a message with a random nonce and an empty signature container.
func New(kind Kind, payload Payload) *Message {
	return &Message{
		Kind:       kind,
		Nonce:      rand.Uint32(),
		Payload:    payload,
		Signatures: []string{},
	}
}

// NewBare creates a message with no signature container, for kinds that are
// never signed (Test traffic).
func NewBare(kind Kind, payload Payload) *Message {
	return &Message{
		Kind:    kind,
		Nonce:   rand.Uint32(),
		Payload: payload,
	}
}

//Marshal - canonical json encoding of the full envelope
func (m *Message) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (m *Message) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(m)
}

// SignBytes returns the digest that envelope signatures cover. For block
// payloads this is the block's hash, so envelope signatures double as
// notarization signatures; for any other payload it is the sha256 of the
// marshalled payload.
func (m *Message) SignBytes() ([]byte, error) {
	if m.Payload.Block != nil {
		return m.Payload.Block.Hash()
	}

	raw, err := m.Payload.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(raw), nil
}

// Sign appends this node's signature over the serialized payload. Calling it
// on a message without a signature container is a programming error, not a
// network condition, and panics.
func (m *Message) Sign(priv *ecdsa.PrivateKey) error {
	if m.Signatures == nil {
		panic("message: Sign called on message without signature container")
	}

	signBytes, err := m.SignBytes()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(priv, signBytes)
	if err != nil {
		return err
	}

	m.Signatures = append(m.Signatures, keys.EncodeSignature(r, s))

	return nil
}

// Credits maps each attached signature to the validator it endorses:
// [validator pubkey hex] => signature. A signature is credited to at most one
// validator (first matching key in sorted order wins) and a validator is
// credited at most once, however many of its signatures are attached. Invalid
// or unknown signatures are simply absent from the result.
func (m *Message) Credits(set *validators.Set) map[string]string {
	credits := make(map[string]string)

	signBytes, err := m.SignBytes()
	if err != nil {
		return credits
	}

	for _, sig := range m.Signatures {
		for _, member := range set.Sorted() {
			if _, done := credits[member.PubKeyHex]; done {
				continue
			}
			if keys.VerifyEncoded(member.PublicKey(), signBytes, sig) {
				credits[member.PubKeyHex] = sig
				break
			}
		}
	}

	return credits
}

// Verify counts the distinct valid endorsements attached to the message. The
// count, not signer identity, is what drives notarization.
func (m *Message) Verify(set *validators.Set) int {
	return len(m.Credits(set))
}

package validators

import (
	"crypto/ecdsa"
	"fmt"
	"sort"

	"github.com/arosloff/streamlet-transparency-logging/src/common"
	"github.com/arosloff/streamlet-transparency-logging/src/crypto/keys"
)

// Member is one entry of the validator set: a public key learned from an
// authenticated peer advertisement.
type Member struct {
	Moniker   string
	PubKeyHex string

	pub *ecdsa.PublicKey
}

// PublicKey returns the parsed public key.
func (m *Member) PublicKey() *ecdsa.PublicKey {
	return m.pub
}

// ID returns a compact ID for the member, used in logs.
func (m *Member) ID() uint32 {
	raw, _ := common.DecodeFromString(m.PubKeyHex)
	return common.Hash32(raw)
}

// Set is the validator set: public keys keyed by hex, deduplicated on insert
// and never removed for the lifetime of the engine. expected is the
// configured total validator count; it, not the current size, drives quorum
// and leader arithmetic.
type Set struct {
	ByPubKey map[string]*Member

	expected int

	// cached sorted view, invalidated on Add
	sorted []*Member
}

// NewSet creates an empty validator set for an expected total of n
// validators.
func NewSet(expected int) *Set {
	return &Set{
		ByPubKey: make(map[string]*Member),
		expected: expected,
	}
}

// Add records a validator's public key. It is a no-op if the key is already
// known. Unparsable keys are rejected with an error.
func (s *Set) Add(moniker, pubKeyHex string) (bool, error) {
	if _, ok := s.ByPubKey[pubKeyHex]; ok {
		return false, nil
	}

	raw, err := common.DecodeFromString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("decoding validator key: %v", err)
	}

	pub := keys.ToPublicKey(raw)
	if pub == nil {
		return false, fmt.Errorf("validator key %s is not a point on the curve", pubKeyHex)
	}

	s.ByPubKey[pubKeyHex] = &Member{
		Moniker:   moniker,
		PubKeyHex: pubKeyHex,
		pub:       pub,
	}
	s.sorted = nil

	return true, nil
}

// Len returns the number of known validators.
func (s *Set) Len() int {
	return len(s.ByPubKey)
}

// Expected returns the configured total validator count.
func (s *Set) Expected() int {
	return s.expected
}

// Complete reports whether every expected validator key is known.
func (s *Set) Complete() bool {
	return s.Len() >= s.expected
}

// Quorum returns the notarization threshold: strictly more than half of the
// expected validator count.
func (s *Set) Quorum() int {
	return s.expected/2 + 1
}

// Sorted returns the members ordered by public key hex. The sorted order is
// the shared total order from which epoch leaders are drawn: all nodes with
// the same keys derive the same indexing without communication.
func (s *Set) Sorted() []*Member {
	if s.sorted == nil {
		members := make([]*Member, 0, len(s.ByPubKey))
		for _, m := range s.ByPubKey {
			members = append(members, m)
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].PubKeyHex < members[j].PubKeyHex
		})
		s.sorted = members
	}
	return s.sorted
}

// Member returns the validator at the given index of the sorted order, or nil
// if the set does not reach that far yet.
func (s *Set) Member(index int) *Member {
	sorted := s.Sorted()
	if index < 0 || index >= len(sorted) {
		return nil
	}
	return sorted[index]
}

// IndexOf returns the sorted-order index of a public key, or -1.
func (s *Set) IndexOf(pubKeyHex string) int {
	for i, m := range s.Sorted() {
		if m.PubKeyHex == pubKeyHex {
			return i
		}
	}
	return -1
}

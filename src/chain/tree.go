package chain

import (
	"bytes"
	"fmt"
)

// Tree is an append-only arena of blocks keyed by hash. It owns the
// notarization sets, the fork-choice rule, and the finalized prefix. It is
// not safe for concurrent use; the node's event loop is its only writer.
type Tree struct {
	quorum    int
	orphanTTL uint64

	blocks   map[string]*Block
	children map[string][]string

	genesisHex string

	// orphans are blocks whose parent is not in the arena yet, keyed by the
	// missing parent's hash. Each carries the epoch after which it is dropped.
	orphans map[string][]*orphanBlock

	finalizedHex    string
	finalizedHeight uint64
}

type orphanBlock struct {
	block  *Block
	expiry uint64
}

// NewTree creates a tree containing only the genesis block. quorum is the
// number of distinct signatures that notarize a block. orphanTTL is the
// number of epochs an orphan block is buffered before being dropped.
func NewTree(quorum int, orphanTTL uint64) *Tree {
	genesis := NewGenesisBlock()

	t := &Tree{
		quorum:     quorum,
		orphanTTL:  orphanTTL,
		blocks:     make(map[string]*Block),
		children:   make(map[string][]string),
		orphans:    make(map[string][]*orphanBlock),
		genesisHex: genesis.Hex(),
	}

	t.blocks[genesis.Hex()] = genesis
	t.finalizedHex = genesis.Hex()

	return t
}

// Genesis ...
func (t *Tree) Genesis() *Block {
	return t.blocks[t.genesisHex]
}

// Get retrieves a block by hash hex.
func (t *Tree) Get(hexHash string) (*Block, bool) {
	b, ok := t.blocks[hexHash]
	return b, ok
}

// Len returns the number of blocks in the arena, genesis included.
func (t *Tree) Len() int {
	return len(t.blocks)
}

// Quorum ...
func (t *Tree) Quorum() int {
	return t.quorum
}

// Insert adds a block to the arena and resolves any orphans that were waiting
// on it, transitively. It returns the blocks actually inserted. A block whose
// parent is unknown is buffered until the parent arrives or until orphanTTL
// epochs pass, and is not part of the returned slice. Re-inserting a known
// block is idempotent.
func (t *Tree) Insert(b *Block, currentEpoch uint64) ([]*Block, error) {
	if _, ok := t.blocks[b.Hex()]; ok {
		return nil, nil
	}

	parent, ok := t.blocks[b.ParentHex()]
	if !ok {
		t.orphans[b.ParentHex()] = append(t.orphans[b.ParentHex()], &orphanBlock{
			block:  b,
			expiry: currentEpoch + t.orphanTTL,
		})
		return nil, nil
	}

	if b.Height() != parent.Height()+1 {
		return nil, fmt.Errorf("block %s height %d does not extend parent height %d",
			b.Hex(), b.Height(), parent.Height())
	}

	inserted := []*Block{b}
	t.blocks[b.Hex()] = b
	t.children[b.ParentHex()] = append(t.children[b.ParentHex()], b.Hex())

	// Anything buffered under this hash can now be linked in.
	for _, orphan := range t.orphans[b.Hex()] {
		more, err := t.Insert(orphan.block, currentEpoch)
		if err != nil {
			continue
		}
		inserted = append(inserted, more...)
	}
	delete(t.orphans, b.Hex())

	return inserted, nil
}

// ExpireOrphans drops buffered orphans whose retry window has passed, and
// returns the hashes of the dropped blocks so that callers can discard any
// state they keep alongside them.
func (t *Tree) ExpireOrphans(currentEpoch uint64) []string {
	dropped := []string{}
	for parent, waiting := range t.orphans {
		kept := waiting[:0]
		for _, o := range waiting {
			if o.expiry < currentEpoch {
				dropped = append(dropped, o.block.Hex())
			} else {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(t.orphans, parent)
		} else {
			t.orphans[parent] = kept
		}
	}
	return dropped
}

// OrphanCount returns the number of buffered orphan blocks.
func (t *Tree) OrphanCount() int {
	count := 0
	for _, waiting := range t.orphans {
		count += len(waiting)
	}
	return count
}

// AddSignature merges one credited signature into a block's notarization set
// and reports whether the block just became notarized. Duplicate signers are
// deduplicated by the map key.
func (t *Tree) AddSignature(hexHash, validatorHex, sig string) (bool, error) {
	b, ok := t.blocks[hexHash]
	if !ok {
		return false, fmt.Errorf("block %s not in tree", hexHash)
	}

	wasNotarized := t.IsNotarized(hexHash)
	b.SetSignature(validatorHex, sig)

	return !wasNotarized && t.IsNotarized(hexHash), nil
}

// IsNotarized reports whether a block has collected a quorum of signatures.
// Genesis is notarized by definition. Notarization is monotone: signatures
// are never removed.
func (t *Tree) IsNotarized(hexHash string) bool {
	if hexHash == t.genesisHex {
		return true
	}
	b, ok := t.blocks[hexHash]
	if !ok {
		return false
	}
	return len(b.Signatures) >= t.quorum
}

// LocalChain computes the canonical chain: the longest path of notarized
// blocks from genesis, constrained to pass through the finalized prefix.
// Length ties are broken by the lexicographically smallest tip hash so that
// nodes sharing the same notarized set pick the same chain.
func (t *Tree) LocalChain() []*Block {
	chain := t.prefixTo(t.finalizedHex)
	descent := t.bestDescent(t.finalizedHex)
	return append(chain, descent[1:]...)
}

// Tip returns the last block of the local chain.
func (t *Tree) Tip() *Block {
	chain := t.LocalChain()
	return chain[len(chain)-1]
}

// prefixTo walks parent links from genesis up to and including hexHash.
func (t *Tree) prefixTo(hexHash string) []*Block {
	path := []*Block{}
	for cur := hexHash; ; {
		b := t.blocks[cur]
		path = append([]*Block{b}, path...)
		if cur == t.genesisHex {
			break
		}
		cur = b.ParentHex()
	}
	return path
}

// bestDescent returns the best notarized path starting at hexHash, inclusive.
func (t *Tree) bestDescent(hexHash string) []*Block {
	best := []*Block{t.blocks[hexHash]}

	for _, childHex := range t.children[hexHash] {
		if !t.IsNotarized(childHex) {
			continue
		}
		candidate := append([]*Block{t.blocks[hexHash]}, t.bestDescent(childHex)...)
		if betterPath(candidate, best) {
			best = candidate
		}
	}

	return best
}

// betterPath reports whether path a beats path b under the fork-choice rule.
func betterPath(a, b []*Block) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	ha, _ := a[len(a)-1].Hash()
	hb, _ := b[len(b)-1].Hash()
	return bytes.Compare(ha, hb) < 0
}

// UpdateFinalized re-scans the local chain for the latest run of three
// notarized blocks with strictly consecutive epochs linked by direct parent
// references, and finalizes the prefix ending at the first block of that run.
// Finalization is monotone; the method reports whether the prefix advanced.
func (t *Tree) UpdateFinalized() bool {
	chain := t.LocalChain()

	finalizedIdx := -1
	for i := 0; i+2 < len(chain); i++ {
		if chain[i].Epoch()+1 == chain[i+1].Epoch() &&
			chain[i+1].Epoch()+1 == chain[i+2].Epoch() {
			finalizedIdx = i
		}
	}

	if finalizedIdx < 0 {
		return false
	}

	candidate := chain[finalizedIdx]
	if candidate.Height() <= t.finalizedHeight {
		return false
	}

	t.finalizedHex = candidate.Hex()
	t.finalizedHeight = candidate.Height()

	return true
}

// FinalizedHex returns the hash hex of the last finalized block.
func (t *Tree) FinalizedHex() string {
	return t.finalizedHex
}

// FinalizedHeight ...
func (t *Tree) FinalizedHeight() uint64 {
	return t.finalizedHeight
}

// FinalizedChain returns the finalized prefix, genesis included.
func (t *Tree) FinalizedChain() []*Block {
	return t.prefixTo(t.finalizedHex)
}

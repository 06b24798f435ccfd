package chain

import (
	"bytes"
	"fmt"
	"testing"
)

const testQuorum = 3

func newTestTree() *Tree {
	return NewTree(testQuorum, 5)
}

// extend builds and inserts a child of parent. The caller picks epoch and
// payload; height follows the parent.
func extend(t *testing.T, tree *Tree, parent *Block, epoch uint64, data string) *Block {
	parentHash, err := parent.Hash()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	b := NewBlock(epoch, parent.Height()+1, parentHash, []byte(data))

	if _, err := tree.Insert(b, epoch); err != nil {
		t.Fatalf("err: %v", err)
	}

	return b
}

// notarize adds a quorum of signatures to a block already in the tree.
func notarize(t *testing.T, tree *Tree, b *Block) {
	for i := 0; i < testQuorum; i++ {
		if _, err := tree.AddSignature(b.Hex(), fmt.Sprintf("validator%d", i), "sig"); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTreeInsert(t *testing.T) {
	tree := newTestTree()

	if tree.Len() != 1 {
		t.Fatalf("new tree should contain only genesis, got %d blocks", tree.Len())
	}

	b1 := extend(t, tree, tree.Genesis(), 1, "b1")

	if _, ok := tree.Get(b1.Hex()); !ok {
		t.Fatalf("inserted block not retrievable")
	}

	// Re-inserting is idempotent
	if _, err := tree.Insert(b1, 1); err != nil {
		t.Fatalf("err: %v", err)
	}
	if tree.Len() != 2 {
		t.Fatalf("re-insert should not grow the tree, got %d blocks", tree.Len())
	}
}

func TestTreeRejectsBadHeight(t *testing.T) {
	tree := newTestTree()

	parentHash, _ := tree.Genesis().Hash()

	// height 2 directly on top of genesis (height 0)
	bad := NewBlock(1, 2, parentHash, []byte("bad"))

	if _, err := tree.Insert(bad, 1); err == nil {
		t.Fatalf("inserting a block that skips a height should fail")
	}
}

func TestTreeOrphanBuffering(t *testing.T) {
	tree := newTestTree()

	genesisHash, _ := tree.Genesis().Hash()
	b1 := NewBlock(1, 1, genesisHash, []byte("b1"))
	b1Hash, _ := b1.Hash()
	b2 := NewBlock(2, 2, b1Hash, []byte("b2"))

	// b2 arrives before its parent
	if _, err := tree.Insert(b2, 2); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, ok := tree.Get(b2.Hex()); ok {
		t.Fatalf("block with unknown parent should not be linked in")
	}
	if tree.OrphanCount() != 1 {
		t.Fatalf("expected 1 orphan, got %d", tree.OrphanCount())
	}

	// the parent arrives; both should link in
	inserted, err := tree.Insert(b1, 2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(inserted) != 2 {
		t.Fatalf("expected 2 blocks linked in, got %d", len(inserted))
	}

	if _, ok := tree.Get(b2.Hex()); !ok {
		t.Fatalf("orphan should resolve when its parent arrives")
	}
	if tree.OrphanCount() != 0 {
		t.Fatalf("expected 0 orphans, got %d", tree.OrphanCount())
	}
}

func TestTreeOrphanExpiry(t *testing.T) {
	tree := NewTree(testQuorum, 2)

	genesisHash, _ := tree.Genesis().Hash()
	b1 := NewBlock(1, 1, genesisHash, []byte("b1"))
	b1Hash, _ := b1.Hash()
	b2 := NewBlock(1, 2, b1Hash, []byte("b2"))

	tree.Insert(b2, 1)

	// within the retry window
	if dropped := tree.ExpireOrphans(3); len(dropped) != 0 {
		t.Fatalf("orphan dropped too early")
	}

	// past the retry window
	dropped := tree.ExpireOrphans(4)
	if len(dropped) != 1 || dropped[0] != b2.Hex() {
		t.Fatalf("expected b2 dropped, got %v", dropped)
	}
	if tree.OrphanCount() != 0 {
		t.Fatalf("expected 0 orphans, got %d", tree.OrphanCount())
	}
}

func TestNotarizationQuorum(t *testing.T) {
	tree := newTestTree()

	if !tree.IsNotarized(tree.Genesis().Hex()) {
		t.Fatalf("genesis should be notarized by definition")
	}

	b1 := extend(t, tree, tree.Genesis(), 1, "b1")

	for i := 0; i < testQuorum-1; i++ {
		just, err := tree.AddSignature(b1.Hex(), fmt.Sprintf("validator%d", i), "sig")
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if just {
			t.Fatalf("block notarized below quorum")
		}
	}

	// duplicate signer does not count twice
	just, _ := tree.AddSignature(b1.Hex(), "validator0", "sig")
	if just || tree.IsNotarized(b1.Hex()) {
		t.Fatalf("duplicate signer should not notarize")
	}

	just, err := tree.AddSignature(b1.Hex(), fmt.Sprintf("validator%d", testQuorum-1), "sig")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !just {
		t.Fatalf("quorum signature should notarize")
	}

	// extra signatures keep it notarized but do not re-trigger
	just, _ = tree.AddSignature(b1.Hex(), "validator9", "sig")
	if just {
		t.Fatalf("a block is notarized only once")
	}
	if !tree.IsNotarized(b1.Hex()) {
		t.Fatalf("notarization is monotone")
	}
}

func TestForkChoiceLongestChain(t *testing.T) {
	tree := newTestTree()

	// short branch, notarized
	a1 := extend(t, tree, tree.Genesis(), 1, "a1")
	notarize(t, tree, a1)

	// long branch, notarized
	b1 := extend(t, tree, tree.Genesis(), 2, "b1")
	b2 := extend(t, tree, b1, 3, "b2")
	notarize(t, tree, b1)
	notarize(t, tree, b2)

	if tree.Tip().Hex() != b2.Hex() {
		t.Fatalf("the longest notarized chain should win")
	}
}

func TestForkChoiceIgnoresUnnotarized(t *testing.T) {
	tree := newTestTree()

	a1 := extend(t, tree, tree.Genesis(), 1, "a1")
	notarize(t, tree, a1)

	// longer but never notarized
	b1 := extend(t, tree, tree.Genesis(), 2, "b1")
	extend(t, tree, b1, 3, "b2")

	if tree.Tip().Hex() != a1.Hex() {
		t.Fatalf("unnotarized blocks must not count towards the local chain")
	}
}

func TestForkChoiceTieBreak(t *testing.T) {
	tree := newTestTree()

	a1 := extend(t, tree, tree.Genesis(), 1, "a1")
	b1 := extend(t, tree, tree.Genesis(), 2, "b1")
	notarize(t, tree, a1)
	notarize(t, tree, b1)

	ha, _ := a1.Hash()
	hb, _ := b1.Hash()

	want := a1
	if bytes.Compare(hb, ha) < 0 {
		want = b1
	}

	if tree.Tip().Hex() != want.Hex() {
		t.Fatalf("equal-length ties should break to the smallest tip hash")
	}

	// insertion order must not matter
	tree2 := newTestTree()
	b1Again := extend(t, tree2, tree2.Genesis(), 2, "b1")
	a1Again := extend(t, tree2, tree2.Genesis(), 1, "a1")
	notarize(t, tree2, b1Again)
	notarize(t, tree2, a1Again)

	if tree2.Tip().Hex() != want.Hex() {
		t.Fatalf("tie-break should be independent of insertion order")
	}
}

func TestFinalization(t *testing.T) {
	tree := newTestTree()

	b1 := extend(t, tree, tree.Genesis(), 1, "b1")
	b2 := extend(t, tree, b1, 2, "b2")
	b3 := extend(t, tree, b2, 3, "b3")

	notarize(t, tree, b1)
	notarize(t, tree, b2)

	if tree.UpdateFinalized() {
		t.Fatalf("two notarized blocks should not finalize anything")
	}

	notarize(t, tree, b3)

	if !tree.UpdateFinalized() {
		t.Fatalf("three notarized blocks at consecutive epochs should finalize")
	}

	finalized := tree.FinalizedChain()
	if len(finalized) != 2 {
		t.Fatalf("expected finalized prefix of 2 blocks, got %d", len(finalized))
	}
	if finalized[0].Hex() != tree.Genesis().Hex() || finalized[1].Hex() != b1.Hex() {
		t.Fatalf("finalized prefix should end at the first block of the run")
	}
}

func TestFinalizationRequiresConsecutiveEpochs(t *testing.T) {
	tree := newTestTree()

	b1 := extend(t, tree, tree.Genesis(), 2, "b1")
	b2 := extend(t, tree, b1, 3, "b2")
	b3 := extend(t, tree, b2, 5, "b3") // epoch gap

	notarize(t, tree, b1)
	notarize(t, tree, b2)
	notarize(t, tree, b3)

	if tree.UpdateFinalized() {
		t.Fatalf("an epoch gap should prevent finalization")
	}
}

func TestFinalizationAdvances(t *testing.T) {
	tree := newTestTree()

	blocks := []*Block{}
	parent := tree.Genesis()
	for epoch := uint64(1); epoch <= 6; epoch++ {
		b := extend(t, tree, parent, epoch, fmt.Sprintf("b%d", epoch))
		notarize(t, tree, b)
		parent = b
		blocks = append(blocks, b)
	}

	if !tree.UpdateFinalized() {
		t.Fatalf("a long consecutive run should finalize")
	}

	// runs at epochs 1..6: the latest triple is (4,5,6), finalizing up to b4
	if tree.FinalizedHex() != blocks[3].Hex() {
		t.Fatalf("expected finalized tip %s, got %s", blocks[3].Hex(), tree.FinalizedHex())
	}
	if tree.FinalizedHeight() != 4 {
		t.Fatalf("expected finalized height 4, got %d", tree.FinalizedHeight())
	}
}

func TestFinalizationIsIrreversible(t *testing.T) {
	tree := newTestTree()

	b1 := extend(t, tree, tree.Genesis(), 1, "b1")
	b2 := extend(t, tree, b1, 2, "b2")
	b3 := extend(t, tree, b2, 3, "b3")
	notarize(t, tree, b1)
	notarize(t, tree, b2)
	notarize(t, tree, b3)

	if !tree.UpdateFinalized() {
		t.Fatalf("expected finalization")
	}

	// a longer notarized branch rooted below the finalized block must not be
	// adopted
	parent := tree.Genesis()
	for epoch := uint64(10); epoch < 15; epoch++ {
		c := extend(t, tree, parent, epoch, fmt.Sprintf("c%d", epoch))
		notarize(t, tree, c)
		parent = c
	}

	localChain := tree.LocalChain()
	if len(localChain) < 2 || localChain[1].Hex() != b1.Hex() {
		t.Fatalf("the local chain must pass through the finalized prefix")
	}
}

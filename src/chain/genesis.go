package chain

// Genesis parameters. The genesis block is well-known: every node constructs
// it locally and it is never transmitted.
var (
	genesisParent = make([]byte, 32)
	genesisData   = []byte("genesis")
)

// NewGenesisBlock returns the unique genesis block: epoch 0, height 0, with
// the all-zero sentinel parent hash.
func NewGenesisBlock() *Block {
	return NewBlock(0, 0, genesisParent, genesisData)
}

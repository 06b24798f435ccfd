package service

import (
	"encoding/json"
	"net/http"

	"github.com/arosloff/streamlet-transparency-logging/src/chain"
)

// blockJSON is the wire shape of a block in API responses. The raw block type
// keys signatures by public key hex, which is what clients need, but its data
// is a byte slice; it is rendered as a string here for readability.
type blockJSON struct {
	Hash       string            `json:"hash"`
	Parent     string            `json:"parent"`
	Epoch      uint64            `json:"epoch"`
	Height     uint64            `json:"height"`
	Data       string            `json:"data"`
	Signatures map[string]string `json:"signatures"`
	Notarized  bool              `json:"notarized"`
}

type validatorView struct {
	Moniker   string `json:"moniker"`
	PubKeyHex string `json:"pub_key_hex"`
}

func blockView(b *chain.Block, notarized bool) blockJSON {
	return blockJSON{
		Hash:       b.Hex(),
		Parent:     b.ParentHex(),
		Epoch:      b.Epoch(),
		Height:     b.Height(),
		Data:       string(b.Data()),
		Signatures: b.Signatures,
		Notarized:  notarized,
	}
}

func (s *Service) returnChain(w http.ResponseWriter, blocks []*chain.Block) {
	w.Header().Set("Content-Type", "application/json")

	views := make([]blockJSON, len(blocks))
	for i, b := range blocks {
		views[i] = blockView(b, s.node.IsNotarized(b.Hex()))
	}

	json.NewEncoder(w).Encode(views)
}

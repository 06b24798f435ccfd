package node

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arosloff/streamlet-transparency-logging/src/chain"
	"github.com/arosloff/streamlet-transparency-logging/src/config"
	"github.com/arosloff/streamlet-transparency-logging/src/message"
	"github.com/arosloff/streamlet-transparency-logging/src/net"
	"github.com/arosloff/streamlet-transparency-logging/src/validators"
	"github.com/sirupsen/logrus"
)

// Node runs the streamlet consensus protocol over a broadcast transport. A
// single event loop multiplexes the epoch timer, inbound network events and
// local input; exactly one event is handled per iteration, so the block tree,
// notarization sets and validator set have a single writer.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	validator *validators.Validator
	vset      *validators.Set

	// coreLock serialises the event loop against read-only observers such as
	// the HTTP service. The loop is the only writer.
	coreLock sync.Mutex

	tree *chain.Tree

	trans net.Transport
	netCh <-chan net.Event

	inputCh chan string

	epochTimer *EpochTimer

	currentEpoch uint64
	phase        Phase

	// votedBlocks records the blocks this node has cast a vote for; repeated
	// proposals of the same block are ignored after the first vote.
	votedBlocks map[string]bool

	// votedEpochs records which block this node voted for in each epoch. One
	// vote per epoch is the safety rule: an equivocating leader must not be
	// able to collect votes for two conflicting blocks in the same epoch.
	votedEpochs map[uint64]string

	// pendingCredits holds verified signatures for blocks that are still
	// orphan-buffered, merged when the block links into the tree.
	pendingCredits map[string]map[string]string

	// pendingProposals marks orphan-buffered leader proposals whose vote is
	// deferred until their ancestry resolves.
	pendingProposals map[string]bool

	// pendingData queues input lines as candidate payloads for this node's
	// next proposal slot.
	pendingData [][]byte

	// reachablePeers tracks transport-level peers, for stats only; it never
	// feeds the validator set.
	reachablePeers map[string]bool

	sigintCh   chan os.Signal
	shutdownCh chan struct{}
	stopOnce   sync.Once

	start time.Time
}

// NewNode is a factory method that returns an initialised Node. Fatal setup
// conditions (a nil key, an unusable validator set) surface here, before the
// loop starts.
func NewNode(conf *config.Config, validator *validators.Validator, trans net.Transport) (*Node, error) {
	if validator == nil || validator.Key == nil {
		return nil, fmt.Errorf("node requires a validator key")
	}
	if conf.Validators < 1 {
		return nil, fmt.Errorf("expected validator count must be >= 1, got %d", conf.Validators)
	}

	vset := validators.NewSet(conf.Validators)
	if _, err := vset.Add(validator.Moniker, validator.PublicKeyHex()); err != nil {
		return nil, fmt.Errorf("adding own key to validator set: %v", err)
	}

	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	n := &Node{
		conf:             conf,
		logger:           conf.Logger().WithField("this_id", validator.ID()),
		validator:        validator,
		vset:             vset,
		tree:             chain.NewTree(vset.Quorum(), conf.OrphanTTL),
		trans:            trans,
		netCh:            trans.Events(),
		inputCh:          make(chan string, 16),
		epochTimer:       NewEpochTimer(),
		votedBlocks:      make(map[string]bool),
		votedEpochs:      make(map[uint64]string),
		pendingCredits:   make(map[string]map[string]string),
		pendingProposals: make(map[string]bool),
		reachablePeers:   make(map[string]bool),
		sigintCh:         sigintCh,
		shutdownCh:       make(chan struct{}),
		start:            time.Now(),
	}

	return n, nil
}

// InputCh returns the channel on which the command surface submits lines.
func (n *Node) InputCh() chan<- string {
	return n.inputCh
}

// Validator returns this node's identity.
func (n *Node) Validator() *validators.Validator {
	return n.validator
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	go n.Run()
}

// Run invokes the main event loop of the node. It blocks until Shutdown.
func (n *Node) Run() {
	n.trans.Listen()

	// The timer loop starts disarmed; the first reset happens when discovery
	// ends and consensus begins.
	go n.epochTimer.Run(0)

	initCh := time.After(n.conf.InitDelay)

	n.logger.WithField("state", n.getState().String()).Debug("Run loop")

	for {
		select {
		case <-initCh:
			initCh = nil
			n.withCore(n.advertise)
		case e := <-n.netCh:
			n.withCore(func() { n.handleNetEvent(e) })
		case line := <-n.inputCh:
			n.withCore(func() { n.handleInput(line) })
		case <-n.epochTimer.tickCh:
			n.withCore(n.handleEpochTick)
			n.armEpochTimer()
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT - Shutdown")
			n.Shutdown()
			return
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) withCore(f func()) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	f()
}

// Shutdown shuts down the node.
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		n.setState(Shutdown)

		n.stopOnce.Do(func() {
			close(n.shutdownCh)

			n.epochTimer.Shutdown()

			n.trans.Close()
		})
	}
}

/*******************************************************************************
Discovery
*******************************************************************************/

// advertise broadcasts this node's signed public key so that the other
// validators can add it to their sets.
func (n *Node) advertise() {
	msg := message.New(message.PeerAdvertisement, message.Payload{
		Ad: &message.Advertisement{
			Moniker:   n.validator.Moniker,
			PubKeyHex: n.validator.PublicKeyHex(),
		},
	})

	if err := msg.Sign(n.validator.Key); err != nil {
		n.logger.WithError(err).Error("Signing advertisement")
		return
	}

	n.broadcast(msg)

	n.logger.WithField("moniker", n.validator.Moniker).Debug("Advertised key")
}

// endDiscovery transitions the node from Discovering to Running and arms the
// epoch timer. It is idempotent.
func (n *Node) endDiscovery() {
	if n.getState() != Discovering {
		return
	}

	n.setState(Running)

	n.logger.WithFields(logrus.Fields{
		"validators": n.vset.Len(),
		"expected":   n.vset.Expected(),
		"quorum":     n.vset.Quorum(),
	}).Info("Discovery complete, starting consensus")

	if !n.vset.Complete() {
		// A partial validator set delays progress but never threatens safety:
		// quorum is computed over the expected count.
		n.logger.WithFields(logrus.Fields{
			"known":    n.vset.Len(),
			"expected": n.vset.Expected(),
		}).Warn("Validator set incomplete")
	}

	n.armEpochTimer()
}

// armEpochTimer schedules the next epoch tick. The send is guarded so that a
// concurrent Shutdown cannot strand the loop on a dead timer goroutine.
func (n *Node) armEpochTimer() {
	select {
	case n.epochTimer.resetCh <- n.conf.EpochDuration:
	case <-n.shutdownCh:
	}
}

/*******************************************************************************
Event handling
*******************************************************************************/

func (n *Node) handleNetEvent(e net.Event) {
	switch e.Type {
	case net.EventPeerJoined:
		n.reachablePeers[e.From] = true
		n.logger.WithField("peer", e.From).Debug("Peer joined")
	case net.EventPeerLeft:
		delete(n.reachablePeers, e.From)
		n.logger.WithField("peer", e.From).Debug("Peer left")
	case net.EventMessage:
		msg := new(message.Message)
		if err := msg.Unmarshal(e.Payload); err != nil {
			n.logger.WithError(err).Debug("Dropping undecodable message")
			return
		}
		n.handleMessage(msg)
	}
}

func (n *Node) handleMessage(msg *message.Message) {
	n.logger.WithFields(logrus.Fields{
		"kind":  msg.Kind.String(),
		"nonce": msg.Nonce,
	}).Debug("Received message")

	switch msg.Kind {
	case message.PeerAdvertisement:
		n.handleAdvertisement(msg)
	case message.EndDiscovery:
		n.handleEndDiscovery(msg)
	case message.Propose:
		n.handlePropose(msg)
	case message.Vote:
		n.handleVote(msg)
	case message.Test:
		n.logger.WithField("text", msg.Payload.Text).Info("Test message")
	default:
		n.logger.WithField("kind", uint8(msg.Kind)).Debug("Dropping message of unknown kind")
	}
}

// handleAdvertisement adds a validator key, provided the advertisement is
// signed by the advertised key itself. Keys arriving through unauthenticated
// channels (transport peer events) are never added.
func (n *Node) handleAdvertisement(msg *message.Message) {
	ad := msg.Payload.Ad
	if ad == nil {
		n.logger.Debug("Dropping advertisement with no payload")
		return
	}

	if !n.advertisementAuthentic(msg, ad) {
		n.logger.WithField("moniker", ad.Moniker).Debug("Dropping unauthenticated advertisement")
		return
	}

	added, err := n.vset.Add(ad.Moniker, ad.PubKeyHex)
	if err != nil {
		n.logger.WithError(err).Debug("Dropping advertisement")
		return
	}

	if added {
		n.logger.WithFields(logrus.Fields{
			"moniker":    ad.Moniker,
			"validators": n.vset.Len(),
		}).Info("Added validator")

		// Respond with our own key so that late joiners converge on the full
		// set without operator intervention.
		n.advertise()
	}
}

// advertisementAuthentic checks that at least one attached signature verifies
// under the advertised key.
func (n *Node) advertisementAuthentic(msg *message.Message, ad *message.Advertisement) bool {
	tmp := validators.NewSet(1)
	if _, err := tmp.Add(ad.Moniker, ad.PubKeyHex); err != nil {
		return false
	}
	return msg.Verify(tmp) > 0
}

// handleEndDiscovery reacts to another operator releasing the network into
// consensus. The message must carry a valid endorsement from a known
// validator.
func (n *Node) handleEndDiscovery(msg *message.Message) {
	if msg.Verify(n.vset) < 1 {
		n.logger.Debug("Dropping unauthenticated end-discovery")
		return
	}
	n.endDiscovery()
}

/*******************************************************************************
Consensus
*******************************************************************************/

// handleEpochTick closes the current epoch and opens the next one. If this
// node is the new epoch's leader it proposes a block extending the local
// chain tip.
func (n *Node) handleEpochTick() {
	if n.getState() != Running {
		return
	}

	if n.currentEpoch > 0 && n.phase != Notarized {
		n.phase = TimedOut
		n.logger.WithField("epoch", n.currentEpoch).Debug("Epoch ended without notarization")
	}

	n.currentEpoch++
	n.phase = Idle

	dropped := n.tree.ExpireOrphans(n.currentEpoch)
	for _, hexHash := range dropped {
		delete(n.pendingCredits, hexHash)
		delete(n.pendingProposals, hexHash)
	}
	if len(dropped) > 0 {
		n.logger.WithField("dropped", len(dropped)).Debug("Expired orphan blocks")
	}

	leaderIdx := Leader(n.currentEpoch, n.vset.Expected())
	leader := n.vset.Member(leaderIdx)

	n.logger.WithFields(logrus.Fields{
		"epoch":        n.currentEpoch,
		"leader_index": leaderIdx,
	}).Debug("Epoch start")

	if leader == nil {
		// The validator set does not cover the leader index yet; nothing can
		// be proposed or validated this epoch.
		n.phase = AwaitingProposal
		return
	}

	if leader.PubKeyHex == n.validator.PublicKeyHex() {
		n.propose()
	} else {
		n.phase = AwaitingProposal
	}
}

// propose extends the local chain tip with a new block and broadcasts it. The
// proposal's signature doubles as the leader's vote.
func (n *Node) propose() {
	tip := n.tree.Tip()
	tipHash, err := tip.Hash()
	if err != nil {
		n.logger.WithError(err).Error("Hashing chain tip")
		return
	}

	block := chain.NewBlock(n.currentEpoch, tip.Height()+1, tipHash, n.nextPayload())

	msg := message.New(message.Propose, message.Payload{Block: block})
	if err := msg.Sign(n.validator.Key); err != nil {
		n.logger.WithError(err).Error("Signing proposal")
		return
	}

	n.broadcast(msg)

	n.logger.WithFields(logrus.Fields{
		"epoch":  n.currentEpoch,
		"height": block.Height(),
		"block":  block.Hex(),
	}).Info("Proposed block")

	// Process our own proposal: insert it and credit our signature.
	local := block.Clean()
	if _, err := n.tree.Insert(local, n.currentEpoch); err != nil {
		n.logger.WithError(err).Error("Inserting own proposal")
		return
	}

	n.votedBlocks[local.Hex()] = true
	n.votedEpochs[local.Epoch()] = local.Hex()
	n.phase = Voted

	sig, err := local.Sign(n.validator.Key)
	if err != nil {
		n.logger.WithError(err).Error("Signing own proposal hash")
		return
	}
	n.mergeSignatures(local, map[string]string{n.validator.PublicKeyHex(): sig})
}

// nextPayload dequeues a pending input line, falling back to a heartbeat
// payload when nothing is queued.
func (n *Node) nextPayload() []byte {
	if len(n.pendingData) > 0 {
		data := n.pendingData[0]
		n.pendingData = n.pendingData[1:]
		return data
	}
	return []byte(fmt.Sprintf("%s/%d", n.validator.Moniker, n.currentEpoch))
}

// handlePropose validates a leader's proposal, inserts the block, and casts
// this node's vote. Proposals are idempotent: a block is voted for at most
// once, however many times it is proposed.
func (n *Node) handlePropose(msg *message.Message) {
	if msg.Payload.Block == nil {
		n.logger.Debug("Dropping proposal with no block")
		return
	}
	block := msg.Payload.Block.Clean()

	leader := n.vset.Member(Leader(block.Epoch(), n.vset.Expected()))
	if leader == nil {
		n.logger.WithField("epoch", block.Epoch()).Debug("Dropping proposal, leader key unknown")
		return
	}

	credits := msg.Credits(n.vset)
	if _, ok := credits[leader.PubKeyHex]; !ok {
		n.logger.WithFields(logrus.Fields{
			"epoch": block.Epoch(),
			"block": block.Hex(),
		}).Debug("Dropping proposal not signed by epoch leader")
		return
	}

	if block.Epoch() < n.tree.Tip().Epoch() {
		n.logger.WithFields(logrus.Fields{
			"epoch":     block.Epoch(),
			"tip_epoch": n.tree.Tip().Epoch(),
		}).Debug("Dropping stale proposal")
		return
	}

	inTree, err := n.insertBlock(block)
	if err != nil {
		n.logger.WithError(err).Debug("Dropping invalid proposal")
		return
	}

	if !inTree {
		// Parent unknown: the block is orphan-buffered. The leader's credit
		// and this node's vote are deferred until its ancestry resolves.
		n.bufferCredits(block.Hex(), credits)
		n.pendingProposals[block.Hex()] = true
		n.logger.WithField("block", block.Hex()).Debug("Proposal buffered, parent unknown")
		return
	}

	n.mergeSignatures(block, credits)
	n.maybeVote(block)
}

// maybeVote casts this node's vote for a proposal, unless it already voted
// for a different block in the same epoch. Re-proposals of an already voted
// block are idempotent.
func (n *Node) maybeVote(block *chain.Block) {
	if n.votedBlocks[block.Hex()] {
		return
	}

	if prior, voted := n.votedEpochs[block.Epoch()]; voted && prior != block.Hex() {
		n.logger.WithFields(logrus.Fields{
			"epoch": block.Epoch(),
			"block": block.Hex(),
			"voted": prior,
		}).Debug("Refusing second vote in epoch")
		return
	}

	n.votedBlocks[block.Hex()] = true
	n.votedEpochs[block.Epoch()] = block.Hex()

	n.vote(block)
}

// vote broadcasts this node's signature over the block's hash and credits it
// locally.
func (n *Node) vote(block *chain.Block) {
	ballot := block.Clean()

	msg := message.New(message.Vote, message.Payload{Block: ballot})
	if err := msg.Sign(n.validator.Key); err != nil {
		n.logger.WithError(err).Error("Signing vote")
		return
	}

	n.broadcast(msg)

	if block.Epoch() == n.currentEpoch {
		n.phase = Voted
	}

	n.logger.WithFields(logrus.Fields{
		"epoch":  block.Epoch(),
		"height": block.Height(),
		"block":  block.Hex(),
	}).Info("Voted")

	sig, err := ballot.Sign(n.validator.Key)
	if err != nil {
		n.logger.WithError(err).Error("Signing block hash")
		return
	}
	n.mergeSignatures(block, map[string]string{n.validator.PublicKeyHex(): sig})
}

// handleVote merges the signatures carried by a vote into the block's
// notarization set. Votes may arrive before the proposal; the block they
// carry is inserted (or orphan-buffered) like any other.
func (n *Node) handleVote(msg *message.Message) {
	if msg.Payload.Block == nil {
		n.logger.Debug("Dropping vote with no block")
		return
	}
	block := msg.Payload.Block.Clean()

	credits := msg.Credits(n.vset)
	if len(credits) == 0 {
		n.logger.WithField("block", block.Hex()).Debug("Dropping vote with no valid endorsement")
		return
	}

	if _, ok := n.tree.Get(block.Hex()); !ok {
		inTree, err := n.insertBlock(block)
		if err != nil {
			n.logger.WithError(err).Debug("Dropping vote for invalid block")
			return
		}
		if !inTree {
			// The block is orphan-buffered; keep its verified signatures so
			// that no endorsement is lost to reordering.
			n.bufferCredits(block.Hex(), credits)
			n.logger.WithField("block", block.Hex()).Debug("Vote buffered, block parent unknown")
			return
		}
	}

	n.mergeSignatures(block, credits)
}

// insertBlock inserts a block into the tree and re-processes everything its
// arrival resolved: buffered signatures are merged and deferred proposal
// votes cast. It reports whether the block itself is linked in.
func (n *Node) insertBlock(block *chain.Block) (bool, error) {
	resolved, err := n.tree.Insert(block, n.currentEpoch)
	if err != nil {
		return false, err
	}

	for _, b := range resolved {
		if credits, ok := n.pendingCredits[b.Hex()]; ok {
			delete(n.pendingCredits, b.Hex())
			n.mergeSignatures(b, credits)
		}
		if n.pendingProposals[b.Hex()] {
			delete(n.pendingProposals, b.Hex())
			n.maybeVote(b)
		}
	}

	_, inTree := n.tree.Get(block.Hex())
	return inTree, nil
}

// bufferCredits keeps verified signatures for a block that is not linked into
// the tree yet. They are merged when the block resolves and discarded with it
// if it expires.
func (n *Node) bufferCredits(hexHash string, credits map[string]string) {
	buf, ok := n.pendingCredits[hexHash]
	if !ok {
		buf = make(map[string]string)
		n.pendingCredits[hexHash] = buf
	}
	for validatorHex, sig := range credits {
		buf[validatorHex] = sig
	}
}

// mergeSignatures adds credited signatures to a block's notarization set and
// reacts to the block becoming notarized.
func (n *Node) mergeSignatures(block *chain.Block, credits map[string]string) {
	for validatorHex, sig := range credits {
		notarized, err := n.tree.AddSignature(block.Hex(), validatorHex, sig)
		if err != nil {
			n.logger.WithError(err).Debug("Signature for block outside tree")
			return
		}
		if notarized {
			n.onNotarized(block)
		}
	}
}

// onNotarized re-evaluates the local chain and the finalized prefix after a
// notarization event.
func (n *Node) onNotarized(block *chain.Block) {
	if block.Epoch() == n.currentEpoch {
		n.phase = Notarized
	}

	n.logger.WithFields(logrus.Fields{
		"epoch":  block.Epoch(),
		"height": block.Height(),
		"block":  block.Hex(),
	}).Info("Block notarized")

	if n.tree.UpdateFinalized() {
		n.logger.WithFields(logrus.Fields{
			"height": n.tree.FinalizedHeight(),
			"block":  n.tree.FinalizedHex(),
		}).Info("Finalized prefix advanced")
	}
}

/*******************************************************************************
Command surface
*******************************************************************************/

// handleInput maps one line of local input to an action: a recognised
// discovery-termination command releases the network into consensus; any
// other line is broadcast as a test message and queued as a candidate block
// payload.
func (n *Node) handleInput(line string) {
	if strings.HasPrefix(line, "end discovery") || strings.HasPrefix(line, "e d") {
		msg := message.New(message.EndDiscovery, message.Payload{Text: line})
		if err := msg.Sign(n.validator.Key); err != nil {
			n.logger.WithError(err).Error("Signing end-discovery")
			return
		}
		n.broadcast(msg)
		n.endDiscovery()
		return
	}

	n.pendingData = append(n.pendingData, []byte(line))

	msg := message.NewBare(message.Test, message.Payload{Text: line})
	n.broadcast(msg)
}

func (n *Node) broadcast(msg *message.Message) {
	raw, err := msg.Marshal()
	if err != nil {
		n.logger.WithError(err).Error("Marshalling message")
		return
	}
	if err := n.trans.Broadcast(raw); err != nil {
		n.logger.WithError(err).Error("Broadcasting message")
	}
}

/*******************************************************************************
Observers
*******************************************************************************/

// CurrentEpoch returns the node's local epoch counter.
func (n *Node) CurrentEpoch() uint64 {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.currentEpoch
}

// LocalChain returns the node's current canonical chain.
func (n *Node) LocalChain() []*chain.Block {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.tree.LocalChain()
}

// FinalizedChain returns the node's finalized prefix.
func (n *Node) FinalizedChain() []*chain.Block {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.tree.FinalizedChain()
}

// GetBlock retrieves a block by hash hex.
func (n *Node) GetBlock(hexHash string) (*chain.Block, bool) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.tree.Get(hexHash)
}

// IsNotarized reports whether a block reached quorum at this node.
func (n *Node) IsNotarized(hexHash string) bool {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.tree.IsNotarized(hexHash)
}

// Validators returns the sorted validator set.
func (n *Node) Validators() []*validators.Member {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.vset.Sorted()
}

// GetStats returns stats.
func (n *Node) GetStats() map[string]string {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	localChain := n.tree.LocalChain()
	tip := localChain[len(localChain)-1]

	return map[string]string{
		"id":               fmt.Sprint(n.validator.ID()),
		"moniker":          n.validator.Moniker,
		"state":            n.getState().String(),
		"phase":            n.phase.String(),
		"epoch":            strconv.FormatUint(n.currentEpoch, 10),
		"chain_height":     strconv.FormatUint(tip.Height(), 10),
		"chain_tip":        tip.Hex(),
		"finalized_height": strconv.FormatUint(n.tree.FinalizedHeight(), 10),
		"blocks":           strconv.Itoa(n.tree.Len()),
		"orphans":          strconv.Itoa(n.tree.OrphanCount()),
		"validators":       strconv.Itoa(n.vset.Len()),
		"num_peers":        strconv.Itoa(len(n.reachablePeers)),
		"uptime":           time.Since(n.start).String(),
	}
}

package service

import (
	"encoding/json"
	"net/http"

	"github.com/arosloff/streamlet-transparency-logging/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes a read-only HTTP API over a running node.
type Service struct {
	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/block/", s.makeHandler(s.GetBlock))
	http.HandleFunc("/chain", s.makeHandler(s.GetChain))
	http.HandleFunc("/finalized", s.makeHandler(s.GetFinalized))
	http.HandleFunc("/validators", s.makeHandler(s.GetValidators))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination; the handlers have
// already been registered when the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetBlock retrieves a block by hash hex, as produced by the chain endpoint.
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/block/"):]

	block, ok := s.node.GetBlock(param)
	if !ok {
		s.logger.WithField("hash", param).Debug("Block not found")

		http.Error(w, "block not found", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(blockView(block, s.node.IsNotarized(param)))
}

// GetChain returns the node's current canonical chain, tip last.
func (s *Service) GetChain(w http.ResponseWriter, r *http.Request) {
	s.returnChain(w, s.node.LocalChain())
}

// GetFinalized returns the node's finalized prefix, tip last.
func (s *Service) GetFinalized(w http.ResponseWriter, r *http.Request) {
	s.returnChain(w, s.node.FinalizedChain())
}

// GetValidators ...
func (s *Service) GetValidators(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	members := s.node.Validators()

	views := make([]validatorView, len(members))
	for i, m := range members {
		views[i] = validatorView{Moniker: m.Moniker, PubKeyHex: m.PubKeyHex}
	}

	json.NewEncoder(w).Encode(views)
}

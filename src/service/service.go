package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/davidmnoll/meshlang/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes a read-only HTTP API over a running node.
type Service struct {
	sync.Mutex

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

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers. This is useful when meshlang is
// used in-memory and expected to use the same endpoint (address:port) as
// the application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/facts", s.makeHandler(s.GetFacts))
	http.HandleFunc("/scopes", s.makeHandler(s.GetScopes))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/groups", s.makeHandler(s.GetGroups))
	http.HandleFunc("/proposals", s.makeHandler(s.GetProposals))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when meshlang is used in-memory and another server has
// already been started with the DefaultServerMux and the same address:port
// combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns high-level counters about the node.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	store := s.node.Store()

	stats := map[string]interface{}{
		"id":        s.node.ID(),
		"facts":     len(store.KnownIDs()),
		"scopes":    len(store.Scopes()),
		"peers":     s.node.Mesh().PeerCount(),
		"known":     s.node.Routing().GetPeerCount(),
		"groups":    len(s.node.Groups().Groups()),
		"proposals": len(s.node.Groups().Proposals()),
	}

	writeJSON(w, stats)
}

// GetFacts returns the facts of one scope (?scope=), or every known fact
// ID when no scope is given.
func (s *Service) GetFacts(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")

	if scope == "" {
		writeJSON(w, s.node.Store().KnownIDs())
		return
	}

	writeJSON(w, s.node.Store().FindByScope(scope))
}

// GetScopes returns every scope with its content hash.
func (s *Service) GetScopes(w http.ResponseWriter, r *http.Request) {
	store := s.node.Store()

	res := map[string]string{}
	for _, scope := range store.Scopes() {
		res[scope] = store.GetScopeHash(scope)
	}

	writeJSON(w, res)
}

// GetPeers returns the connected peers and the routing table contents.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"connected": s.node.Mesh().Peers(),
		"known":     s.node.Routing().GetAllPeers(),
	})
}

// GetGroups returns the groups this node is a member of.
func (s *Service) GetGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Groups().Groups())
}

// GetProposals returns the open proposals.
func (s *Service) GetProposals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Groups().Proposals())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

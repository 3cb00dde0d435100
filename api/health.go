package api

import (
	"net/http"

	"github.com/pantos-io/servicenode/types"
)

// nodesHealth reports the health of the RPC endpoints of every configured
// blockchain
// GET /health/nodes
func (a *API) nodesHealth(w http.ResponseWriter, _ *http.Request) {
	response := make([]*NodeHealthInfo, 0, len(a.clients))
	for _, blockchain := range types.Blockchains() {
		client, ok := a.clients[blockchain]
		if !ok {
			continue
		}
		response = append(response, &NodeHealthInfo{
			Blockchain: blockchain.String(),
			NodeHealth: client.NodesHealth(),
		})
	}
	httpWriteJSON(w, response)
}

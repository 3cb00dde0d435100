// Package api implements the service node's public REST interface: transfer
// intake and status polling, the bid listing and the health endpoints.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pantos-io/servicenode/chains"
	ethereum "github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/transfers"
	"github.com/pantos-io/servicenode/types"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host      string
	Port      int
	Storage   *storage.Storage
	Transfers *transfers.Engine
	Clients   chains.Clients
	// Signer holds the service node's key, used to sign the bids returned
	// by the bids endpoint.
	Signer *ethereum.Signer
	// Serving lists the blockchains the node accepts new transfers from:
	// the configured blockchains that are both active and registered.
	Serving []types.Blockchain
}

// API type represents the API HTTP server.
type API struct {
	router    *chi.Mux
	storage   *storage.Storage
	transfers *transfers.Engine
	clients   chains.Clients
	signer    *ethereum.Signer
	serving   map[types.Blockchain]bool
}

// New creates a new API instance with the given configuration and starts
// the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Storage == nil {
		return nil, fmt.Errorf("missing storage instance")
	}
	if conf.Transfers == nil {
		return nil, fmt.Errorf("missing transfers engine")
	}
	if conf.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	a := &API{
		storage:   conf.Storage,
		transfers: conf.Transfers,
		clients:   conf.Clients,
		signer:    conf.Signer,
		serving:   make(map[types.Blockchain]bool, len(conf.Serving)),
	}
	for _, blockchain := range conf.Serving {
		a.serving[blockchain] = true
	}

	// Initialize router
	a.initRouter()
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", HealthLiveEndpoint, "method", "GET")
	a.router.Get(HealthLiveEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", HealthNodesEndpoint, "method", "GET")
	a.router.Get(HealthNodesEndpoint, a.nodesHealth)
	// transfer endpoints
	log.Infow("register handler", "endpoint", TransferEndpoint, "method", "POST")
	a.router.Post(TransferEndpoint, a.newTransfer)
	log.Infow("register handler", "endpoint", TransferStatusEndpoint, "method", "GET")
	a.router.Get(TransferStatusEndpoint, a.transferStatus)
	// bid endpoints
	log.Infow("register handler", "endpoint", BidsEndpoint, "method", "GET")
	a.router.Get(BidsEndpoint, a.bids)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.registerHandlers()
}

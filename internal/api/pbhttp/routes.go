package pbhttp

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ferux/pairbroker/internal/model"
)

func (api *HTTP) setupRoutes(info model.ApplicationInfo) {
	router := mux.NewRouter()

	// api/v1 base path handlers
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middlewareCounter(api), middlewareRequestID(), middlewareLogger(api.logger))
	v1.HandleFunc("/info", api.handleInfo(info)).Methods(http.MethodGet)
	v1.HandleFunc("/host_token", api.handleClaim()).Methods(http.MethodGet)
	v1.HandleFunc("/client_token", api.handleClientToken()).Methods(http.MethodPost)
	v1.HandleFunc("/devices", api.handleGetDevices()).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{machine_id}", api.handleGetDevice()).Methods(http.MethodGet)
	v1.HandleFunc("/ws", api.handleWS()).Methods(http.MethodGet)

	// paths used by clients released before /api/v1
	legacy := router.NewRoute().Subrouter()
	legacy.Use(middlewareCounter(api), middlewareRequestID(), middlewareLogger(api.logger))
	legacy.HandleFunc("/host_token", api.handleClaim()).Methods(http.MethodGet)
	legacy.HandleFunc("/client_token", api.handleClientToken()).Methods(http.MethodPost)
	legacy.HandleFunc("/ws", api.handleWS()).Methods(http.MethodGet)

	// mux skips middlewares on method mismatch, so preflight is answered
	// before routing.
	api.srv.Handler = middlewareCORS(api.origins)(router)
}

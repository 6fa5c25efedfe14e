// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"parallelscsi/pkg/logger"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultSocketPath = "/tmp/parallelscsi.sock"

	apiPath     = "/api"
	metricsPath = "/metrics"
	healthPath  = "/healthz"

	maxRequestSize  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type DemonApiServer struct {
	handler       *DemonApiHandler
	router        *mux.Router
	socketAddress string
}

func NewApiServer(handler *DemonApiHandler, gatherer prometheus.Gatherer, socketAddress string) *DemonApiServer {
	server := &DemonApiServer{
		handler:       handler,
		router:        mux.NewRouter(),
		socketAddress: socketAddress,
	}
	server.router.HandleFunc(apiPath, server.handleApiRequest).Methods(http.MethodPost)
	server.router.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).
		Methods(http.MethodGet)
	server.router.HandleFunc(healthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return server
}

func (server *DemonApiServer) Handler() http.Handler {
	return server.router
}

func (server *DemonApiServer) handleApiRequest(writer http.ResponseWriter, httpRequest *http.Request) {
	log := logger.GetLogger()
	body, err := io.ReadAll(io.LimitReader(httpRequest.Body, maxRequestSize))
	if err != nil {
		log.Error(err)
		server.sendResponse(writer, ErrorResponse(err))
		return
	}
	request, err := ParseRequest(body)
	if err != nil {
		log.Error(err)
		server.sendResponse(writer, ErrorResponse(err))
		return
	}
	started := time.Now()
	response := server.handler.HandleRequest(httpRequest.Context(), request)
	log.Logr().V(1).Info(
		"api request",
		"type", request.Type,
		"error", response.Error,
		"elapsed", time.Since(started),
	)
	server.sendResponse(writer, response)
}

func (server *DemonApiServer) sendResponse(writer http.ResponseWriter, response Response) {
	result, err := json.Marshal(response)
	if err != nil {
		logger.GetLogger().Error(err)
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if _, err = writer.Write(result); err != nil {
		logger.GetLogger().Error(err)
	}
}

// Run serves the API on the unix socket until ctx is cancelled.
func (server *DemonApiServer) Run(ctx context.Context) error {
	log := logger.GetLogger()
	if err := os.RemoveAll(server.socketAddress); err != nil {
		return err
	}
	listener, err := net.Listen("unix", server.socketAddress)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           server.router,
		ReadHeaderTimeout: shutdownTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("api server shutdown: %v", err)
		}
	}()
	log.Infof("serving api on %s", server.socketAddress)
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

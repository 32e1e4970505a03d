package notifier

import (
	"context"
	"encoding/json"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//statusHandler serves the combined connection and pipeline status as json
type statusHandler struct {
	log      *logger.Logger
	pipeline *arrivalPipeline
	health   *healthMonitor
}

//statusResponse wraps the status endpoint payload
type statusResponse struct {
	Connection ConnectionStatus `json:"connection"`
	Pipeline   pipelineStatus   `json:"pipeline"`
}

//ServeHTTP implements statusHandler's http.Handler interface
func (s *statusHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	response := statusResponse{
		Connection: s.health.currentStatus(),
		Pipeline:   s.pipeline.statusSnapshot(),
	}
	jsonData, err := json.Marshal(&response)
	if err != nil {
		s.log.Printf("error marshaling status response: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(jsonData)
	if err != nil {
		s.log.Printf("error writing status response: %v", err)
	}
}

//assignmentHandler accepts rider route/stop assignment changes
type assignmentHandler struct {
	log      *logger.Logger
	pipeline *arrivalPipeline
}

//ServeHTTP implements assignmentHandler's http.Handler interface
func (a *assignmentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var request assignment
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil || request.RouteId == "" || request.StopName == "" {
		http.Error(w, "route_id and stop_name are required", http.StatusBadRequest)
		return
	}
	if !a.pipeline.requestAssignment(request.RouteId, request.StopName) {
		http.Error(w, "assignment change already pending", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

//appStateHandler accepts foreground/background transitions from the app
//lifecycle signal
type appStateHandler struct {
	listeners *listenerManager
}

//ServeHTTP implements appStateHandler's http.Handler interface
func (a *appStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Foreground bool `json:"foreground"`
	}
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		http.Error(w, "foreground is required", http.StatusBadRequest)
		return
	}
	a.listeners.appStateChanged(request.Foreground)
	w.WriteHeader(http.StatusNoContent)
}

//retryHandler triggers the manual connection retry action
type retryHandler struct {
	health *healthMonitor
}

//ServeHTTP implements retryHandler's http.Handler interface
func (h *retryHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.health.requestRetry()
	w.WriteHeader(http.StatusAccepted)
}

//createServer creates configured http.Server for the notifier admin surface
func createServer(log *logger.Logger,
	pipeline *arrivalPipeline,
	health *healthMonitor,
	listeners *listenerManager,
	metrics *metricsCollector,
	httpPort int) *http.Server {

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.Handle("/status", &statusHandler{log: log, pipeline: pipeline, health: health}).Methods(http.MethodGet)
	r.Handle("/assignment", &assignmentHandler{log: log, pipeline: pipeline}).Methods(http.MethodPost)
	r.Handle("/appstate", &appStateHandler{listeners: listeners}).Methods(http.MethodPost)
	r.Handle("/connection/retry", &retryHandler{health: health}).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)
	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}

//runWebService starts up the admin web service, and terminates on shutdown
//signal
func runWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	pipeline *arrivalPipeline,
	health *healthMonitor,
	listeners *listenerManager,
	metrics *metricsCollector,
	httpPort int,
	shutdownSignal chan bool,
) {
	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, pipeline, health, listeners, metrics, httpPort)
	log.Printf("Starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()

	<-shutdownSignal
	log.Printf("ending webservice on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
	defer serverCancelFunc()
	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Printf("error shutting down webservice, error:%s", err)
	}
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/goevery/streamhub/internal/auth"
	"github.com/goevery/streamhub/internal/handler"
	"github.com/goevery/streamhub/internal/ierr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxRequestBodySize = 1 << 20

type RESTServer struct {
	logger        *zap.Logger
	authenticator *auth.Authenticator

	heartbeatHandler            *handler.HeartbeatHandler
	registerPathHandler         handler.RegisterPathHandlerInterface
	listPathsHandler            handler.ListPathsHandlerInterface
	broadcastHandler            handler.BroadcastHandlerInterface
	registerSubscriptionHandler handler.RegisterSubscriptionHandlerInterface
	listSubscriptionsHandler    *handler.ListSubscriptionsHandler
	subscriptionMessageHandler  handler.SubscriptionMessageHandlerInterface
	clearScriptHandler          handler.ClearScriptHandlerInterface
}

type RESTHandlers struct {
	Heartbeat            *handler.HeartbeatHandler
	RegisterPath         handler.RegisterPathHandlerInterface
	ListPaths            handler.ListPathsHandlerInterface
	Broadcast            handler.BroadcastHandlerInterface
	RegisterSubscription handler.RegisterSubscriptionHandlerInterface
	ListSubscriptions    *handler.ListSubscriptionsHandler
	SubscriptionMessage  handler.SubscriptionMessageHandlerInterface
	ClearScript          handler.ClearScriptHandlerInterface
}

func NewRESTServer(
	logger *zap.Logger,
	authenticator *auth.Authenticator,
	handlers RESTHandlers,
) *RESTServer {
	return &RESTServer{
		logger:                      logger,
		authenticator:               authenticator,
		heartbeatHandler:            handlers.Heartbeat,
		registerPathHandler:         handlers.RegisterPath,
		listPathsHandler:            handlers.ListPaths,
		broadcastHandler:            handlers.Broadcast,
		registerSubscriptionHandler: handlers.RegisterSubscription,
		listSubscriptionsHandler:    handlers.ListSubscriptions,
		subscriptionMessageHandler:  handlers.SubscriptionMessage,
		clearScriptHandler:          handlers.ClearScript,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.cors)

	api.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.heartbeatHandler.Handle())
	}).Methods("GET", "OPTIONS")

	secured := api.NewRoute().Subrouter()
	secured.Use(s.authenticate)

	secured.HandleFunc("/paths", func(w http.ResponseWriter, r *http.Request) {
		var req handler.RegisterPathRequest
		if !s.decode(w, r, &req) {
			return
		}

		response, err := s.registerPathHandler.Handle(r.Context(), req)
		s.respond(w, http.StatusCreated, response, err)
	}).Methods("POST", "OPTIONS")

	secured.HandleFunc("/paths", func(w http.ResponseWriter, r *http.Request) {
		response, err := s.listPathsHandler.Handle(r.Context())
		s.respond(w, http.StatusOK, response, err)
	}).Methods("GET")

	secured.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		var req handler.BroadcastRequest
		if !s.decode(w, r, &req) {
			return
		}

		response, err := s.broadcastHandler.Handle(r.Context(), req)
		s.respond(w, http.StatusOK, response, err)
	}).Methods("POST", "OPTIONS")

	secured.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var req handler.RegisterSubscriptionRequest
		if !s.decode(w, r, &req) {
			return
		}

		response, err := s.registerSubscriptionHandler.Handle(r.Context(), req)
		s.respond(w, http.StatusCreated, response, err)
	}).Methods("POST", "OPTIONS")

	secured.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		response, err := s.listSubscriptionsHandler.Handle(r.Context())
		s.respond(w, http.StatusOK, response, err)
	}).Methods("GET")

	secured.HandleFunc("/subscriptions/{name}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req handler.SubscriptionMessageRequest
		if !s.decode(w, r, &req) {
			return
		}
		req.Name = mux.Vars(r)["name"]

		response, err := s.subscriptionMessageHandler.Handle(r.Context(), req)
		s.respond(w, http.StatusOK, response, err)
	}).Methods("POST", "OPTIONS")

	secured.HandleFunc("/scripts/{ownerId}/paths", func(w http.ResponseWriter, r *http.Request) {
		response, err := s.clearScriptHandler.Handle(r.Context(), handler.ClearScriptRequest{
			OwnerId: mux.Vars(r)["ownerId"],
		})
		s.respond(w, http.StatusOK, response, err)
	}).Methods("DELETE", "OPTIONS")
}

func (s *RESTServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *RESTServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		authentication, err := s.authenticator.Authenticate(strings.TrimSpace(credential))
		if err != nil {
			s.writeError(w, err)
			return
		}

		ctx := auth.WithAuthentication(r.Context(), authentication)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))

	err := decoder.Decode(v)
	if err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body: "+err.Error())))
		return false
	}

	return true
}

func (s *RESTServer) respond(w http.ResponseWriter, status int, response any, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, status, response)
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var handlerErr ierr.Error
	if !errors.As(err, &handlerErr) {
		s.logger.Error("unexpected error in rest handler", zap.Error(err))

		handlerErr = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	s.writeJSON(w, handlerErr.Code.HTTPStatus(), map[string]any{"error": handlerErr})
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}


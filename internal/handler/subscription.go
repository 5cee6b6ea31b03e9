package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/goevery/streamhub/internal/broadcaster"
	"github.com/goevery/streamhub/internal/graphql"
	"github.com/goevery/streamhub/internal/ierr"
)

type RegisterSubscriptionRequest struct {
	Name           string       `json:"name"`
	SchemaFragment string       `json:"schemaFragment,omitempty"`
	ResolverRef    string       `json:"resolverRef,omitempty"`
	Visibility     string       `json:"visibility,omitempty"`
	Mode           graphql.Mode `json:"mode"`
	OwnerId        string       `json:"ownerId,omitempty"`
}

type RegisterSubscriptionResponse struct {
	Subscription graphql.Record `json:"subscription"`
}

type RegisterSubscriptionHandlerInterface interface {
	Handle(ctx context.Context, req RegisterSubscriptionRequest) (RegisterSubscriptionResponse, error)
}

type RegisterSubscriptionHandler struct {
	bridge *graphql.Bridge
}

func NewRegisterSubscriptionHandler(bridge *graphql.Bridge) *RegisterSubscriptionHandler {
	return &RegisterSubscriptionHandler{
		bridge,
	}
}

func (h *RegisterSubscriptionHandler) Handle(ctx context.Context, req RegisterSubscriptionRequest) (RegisterSubscriptionResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return RegisterSubscriptionResponse{}, err
	}

	if !authentication.IsRegistrar() {
		return RegisterSubscriptionResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("register scope required to register a subscription"))
	}

	err = authorizePath(authentication, graphql.VirtualPath(req.Name))
	if err != nil {
		return RegisterSubscriptionResponse{}, err
	}

	ownerId := authentication.Subject
	if authentication.IsAdmin && req.OwnerId != "" {
		ownerId = req.OwnerId
	}

	err = h.bridge.RegisterSubscription(ownerId, graphql.Record{
		Name:           req.Name,
		SchemaFragment: req.SchemaFragment,
		ResolverRef:    req.ResolverRef,
		Visibility:     req.Visibility,
		Mode:           req.Mode,
	})
	if err != nil {
		return RegisterSubscriptionResponse{}, err
	}

	record, _ := h.bridge.Lookup(req.Name)

	return RegisterSubscriptionResponse{
		Subscription: record,
	}, nil
}

type ListSubscriptionsResponse struct {
	Subscriptions []graphql.Record `json:"subscriptions"`
}

type ListSubscriptionsHandler struct {
	bridge *graphql.Bridge
}

func NewListSubscriptionsHandler(bridge *graphql.Bridge) *ListSubscriptionsHandler {
	return &ListSubscriptionsHandler{
		bridge,
	}
}

func (h *ListSubscriptionsHandler) Handle(ctx context.Context) (ListSubscriptionsResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return ListSubscriptionsResponse{}, err
	}

	subscriptions := make([]graphql.Record, 0)
	for _, record := range h.bridge.Subscriptions() {
		if authentication.IsAuthorized(record.Path()) {
			subscriptions = append(subscriptions, record)
		}
	}

	return ListSubscriptionsResponse{
		Subscriptions: subscriptions,
	}, nil
}

type SubscriptionMessageRequest struct {
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data"`
	Filter json.RawMessage `json:"filter,omitempty"`
}

type SubscriptionMessageHandlerInterface interface {
	Handle(ctx context.Context, req SubscriptionMessageRequest) (BroadcastResponse, error)
}

// SubscriptionMessageHandler serves the legacy push-by-name call.
type SubscriptionMessageHandler struct {
	bridge *graphql.Bridge
}

func NewSubscriptionMessageHandler(bridge *graphql.Bridge) *SubscriptionMessageHandler {
	return &SubscriptionMessageHandler{
		bridge,
	}
}

func (h *SubscriptionMessageHandler) Handle(ctx context.Context, req SubscriptionMessageRequest) (BroadcastResponse, error) {
	authentication, err := authenticationFrom(ctx)
	if err != nil {
		return BroadcastResponse{}, err
	}

	if !authentication.IsPublisher() {
		return BroadcastResponse{},
			ierr.New(ierr.ErrorCodePermissionDenied, errors.New("user not authorized to publish messages"))
	}

	err = authorizePath(authentication, graphql.VirtualPath(req.Name))
	if err != nil {
		return BroadcastResponse{}, err
	}

	filter, err := broadcaster.ParseFilter(string(req.Filter))
	if err != nil {
		return BroadcastResponse{}, err
	}

	result, err := h.bridge.SendSubscriptionMessageFiltered(ctx, req.Name, payloadOf(req.Data), filter)
	if err != nil {
		return BroadcastResponse{}, err
	}

	return BroadcastResponse{
		Result: result,
	}, nil
}

// Package handler implements the gateway's root function. It answers GET / and
// rejects everything else; internal faults become 400 responses carrying the
// serialized error instead of propagating.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

const (
	// RootBody is returned for GET /.
	RootBody = `{ "From": "Lambda" }`

	// RejectBody is returned for every other method or path.
	RejectBody = "Only GET '/' is accepted"
)

// Handler serves proxy requests.
type Handler struct {
	logger  zerolog.Logger
	respond func(events.APIGatewayProxyRequest) events.APIGatewayProxyResponse
}

// New creates a handler.
func New(logger zerolog.Logger) *Handler {
	h := &Handler{logger: logger.With().Str("component", "handler").Logger()}
	h.respond = route
	return h
}

// Handle answers a decoded request. It never returns an error.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = h.fault(fmt.Errorf("panic: %v", r))
			err = nil
		}
	}()

	resp = h.respond(req)
	h.logger.Debug().
		Str("method", req.HTTPMethod).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Msg("Request handled")
	return resp, nil
}

// HandleRaw decodes the payload and answers it. Undecodable payloads get a
// fault response.
func (h *Handler) HandleRaw(ctx context.Context, payload json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return h.fault(fmt.Errorf("decode request: %w", err)), nil
	}
	return h.Handle(ctx, req)
}

func route(req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if req.HTTPMethod == http.MethodGet && req.Path == "/" {
		return response(http.StatusOK, RootBody)
	}
	return response(http.StatusBadRequest, RejectBody)
}

func (h *Handler) fault(err error) events.APIGatewayProxyResponse {
	h.logger.Error().Err(err).Msg("Request failed")

	body, merr := json.Marshal(err.Error())
	if merr != nil {
		body = []byte(`"internal error"`)
	}
	return response(http.StatusBadRequest, string(body))
}

func response(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{},
		Body:       body,
	}
}

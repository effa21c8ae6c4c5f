package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"perpy/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Asker interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
}

type Handler struct {
	uc     Asker
	logger *slog.Logger
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"sessionId"`
	Round     int    `json:"round"`
	Fallback  bool   `json:"fallback"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc Asker) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

// Handle serves POST /ask behind API Gateway.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	var body askRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		logger.WarnContext(ctx, "invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_json",
		}), nil
	}

	out, err := h.uc.Ask(ctx, usecase.AskInput{Question: body.Question, SessionID: body.SessionID})
	if err != nil {
		code := usecase.CodeOf(err)
		status := code.HTTPStatus()
		resp := errorResponse{Error: string(code)}
		var ue *usecase.Error
		if errors.As(err, &ue) {
			resp.Reason = ue.Reason
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "ask failed", "code", code, "err", err)
		} else {
			logger.WarnContext(ctx, "ask rejected", "code", code, "reason", resp.Reason)
		}
		return jsonResponse(status, correlationID, resp), nil
	}

	return jsonResponse(http.StatusOK, correlationID, askResponse{
		Answer:    out.Answer,
		SessionID: out.SessionID,
		Round:     out.Round,
		Fallback:  out.Fallback,
	}), nil
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

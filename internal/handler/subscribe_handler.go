package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tgfeed/internal/model"
)

// maxSubscribeBodySize は購読登録リクエストボディの上限。
const maxSubscribeBodySize = 4 * 1024

// SubscriptionServiceInterface は購読管理のサービスインターフェース。
type SubscriptionServiceInterface interface {
	Subscribe(ctx context.Context, email string) error
	Confirm(ctx context.Context, token string) error
	Unsubscribe(ctx context.Context, token string) error
}

// SubscribeHandler は購読登録・確認・解除のHTTPハンドラー。
type SubscribeHandler struct {
	service SubscriptionServiceInterface
	logger  *slog.Logger
}

// NewSubscribeHandler はSubscribeHandlerを生成する。
// serviceがnilの場合は全エンドポイントがSUBSCRIBER_STORE_UNAVAILABLEを返す。
func NewSubscribeHandler(service SubscriptionServiceInterface, logger *slog.Logger) *SubscribeHandler {
	return &SubscribeHandler{service: service, logger: logger}
}

type subscribeRequest struct {
	Email string `json:"email"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Subscribe は購読登録を処理する。
// POST /api/subscribe
func (h *SubscribeHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscribeBodySize)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	if h.service == nil {
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewSubscriberStoreUnavailableError())
		return
	}
	if err := h.service.Subscribe(r.Context(), req.Email); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Confirm はメール内の確認リンクを処理する。
// GET /api/subscribe/confirm?token=
func (h *SubscribeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.withToken(w, r, func(ctx context.Context, token string) error {
		return h.service.Confirm(ctx, token)
	})
}

// Unsubscribe はメール内の購読解除リンクを処理する。
// GET /api/unsubscribe?token=
func (h *SubscribeHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.withToken(w, r, func(ctx context.Context, token string) error {
		return h.service.Unsubscribe(ctx, token)
	})
}

func (h *SubscribeHandler) withToken(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, token string) error) {
	if h.service == nil {
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewSubscriberStoreUnavailableError())
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("token is required"))
		return
	}
	if err := fn(r.Context(), token); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

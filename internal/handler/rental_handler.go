// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/numgate/internal/middleware"
	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/provider"
)

// RentalServiceInterface はレンタルハンドラーが必要とするサービスインターフェース。
type RentalServiceInterface interface {
	// Rent は番号レンタルを1件開始する。
	Rent(ctx context.Context, userID, serviceType string) (*model.RentalSession, error)
	// GetOTP はセッションに届いたOTPを取得する。
	GetOTP(ctx context.Context, userID, sessionID string) (string, error)
	// Cancel はセッションをキャンセルし課金額を返金する。
	Cancel(ctx context.Context, userID, sessionID string) error
}

// RentalHandler は番号レンタルのHTTPハンドラー。
type RentalHandler struct {
	service RentalServiceInterface
}

// NewRentalHandler はRentalHandlerを生成する。
func NewRentalHandler(service RentalServiceInterface) *RentalHandler {
	return &RentalHandler{service: service}
}

// rentRequest はレンタル開始リクエストのボディ。
type rentRequest struct {
	Service string `json:"service"`
}

// sessionResponse はレンタルセッションのAPIレスポンス。
type sessionResponse struct {
	ID          string `json:"id"`
	Service     string `json:"service"`
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	Price       int64  `json:"price"`
}

// otpResponse はOTP取得のAPIレスポンス。
type otpResponse struct {
	Status string `json:"status"` // "waiting" | "received"
	Code   string `json:"code,omitempty"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Rent は番号レンタルの開始を処理する。
// POST /api/rentals
func (h *RentalHandler) Rent(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "認証が必要です。",
			Category: "validation",
			Action:   "X-User-IDヘッダーを指定してください。",
		})
		return
	}

	var req rentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディが不正です。",
			Category: "validation",
			Action:   "serviceフィールドを指定してください。",
		})
		return
	}

	session, err := h.service.Rent(r.Context(), userID, req.Service)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toSessionResponse(session))
}

// GetOTP はOTPの取得を処理する。未着の場合は200で"waiting"を返す。
// GET /api/rentals/{id}/otp
func (h *RentalHandler) GetOTP(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "認証が必要です。",
			Category: "validation",
			Action:   "X-User-IDヘッダーを指定してください。",
		})
		return
	}

	sessionID := chi.URLParam(r, "id")
	code, err := h.service.GetOTP(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, provider.ErrOTPNotReady) {
			writeJSONResponse(w, http.StatusOK, otpResponse{Status: "waiting"})
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, otpResponse{Status: "received", Code: code})
}

// Cancel はレンタルのキャンセルを処理する。
// POST /api/rentals/{id}/cancel
func (h *RentalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "認証が必要です。",
			Category: "validation",
			Action:   "X-User-IDヘッダーを指定してください。",
		})
		return
	}

	sessionID := chi.URLParam(r, "id")
	if err := h.service.Cancel(r.Context(), userID, sessionID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// toSessionResponse はRentalSessionをAPIレスポンスに変換する。
func toSessionResponse(session *model.RentalSession) sessionResponse {
	return sessionResponse{
		ID:          session.ID,
		Service:     session.Service,
		PhoneNumber: session.PhoneNumber,
		Status:      string(session.Status),
		Price:       session.Price,
	}
}

// writeJSONResponse はJSONレスポンスを書き込む。
func writeJSONResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSec))
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はエラーコードをHTTPステータスコードに対応付ける。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeCapacityExceeded, model.ErrCodeQueueTimeout:
		return http.StatusServiceUnavailable
	case model.ErrCodeCircuitOpen, model.ErrCodeNoNumbers:
		return http.StatusServiceUnavailable
	case model.ErrCodeRentalBlocked:
		return http.StatusTooManyRequests
	case model.ErrCodeInsufficientFunds:
		return http.StatusPaymentRequired
	case model.ErrCodeSessionNotFound, model.ErrCodeServiceNotFound:
		return http.StatusNotFound
	case model.ErrCodeSessionClosed:
		return http.StatusConflict
	case model.ErrCodeSafetyCeiling, model.ErrCodeAuditViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

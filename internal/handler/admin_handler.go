package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/numgate/internal/breaker"
	"github.com/hitoshi/numgate/internal/middleware"
	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/reconciler"
	"github.com/hitoshi/numgate/internal/rental"
)

// AuditRunnerInterface は管理APIが必要とする監査実行インターフェース。
type AuditRunnerInterface interface {
	RunAudit(ctx context.Context) (*reconciler.AuditReport, error)
}

// RecoveryRunnerInterface は管理APIが必要とする是正実行インターフェース。
type RecoveryRunnerInterface interface {
	RunRecovery(ctx context.Context) (int, error)
}

// ValidatorInterface は管理APIが必要とする機構検証インターフェース。
type ValidatorInterface interface {
	ValidateRefundMechanism(ctx context.Context) (*reconciler.ValidationReport, error)
}

// LimitsSnapshotter は制限系コンポーネントの現在値を提供するインターフェース。
type LimitsSnapshotter interface {
	Active() int
	Capacity() int
}

// AdminHandler は運用管理APIのHTTPハンドラー。
// 全エンドポイントは特権ユーザーのみアクセス可能。
type AdminHandler struct {
	auditor       AuditRunnerInterface
	recoverer     RecoveryRunnerInterface
	validator     ValidatorInterface
	breakers      *breaker.Registry
	governor      *rental.Governor
	globalLimiter LimitsSnapshotter
	rentalLimiter LimitsSnapshotter
	adminUserIDs  map[string]struct{}
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(
	auditor AuditRunnerInterface,
	recoverer RecoveryRunnerInterface,
	validator ValidatorInterface,
	breakers *breaker.Registry,
	governor *rental.Governor,
	globalLimiter LimitsSnapshotter,
	rentalLimiter LimitsSnapshotter,
	adminUserIDs []string,
) *AdminHandler {
	admins := make(map[string]struct{}, len(adminUserIDs))
	for _, id := range adminUserIDs {
		admins[id] = struct{}{}
	}
	return &AdminHandler{
		auditor:       auditor,
		recoverer:     recoverer,
		validator:     validator,
		breakers:      breakers,
		governor:      governor,
		globalLimiter: globalLimiter,
		rentalLimiter: rentalLimiter,
		adminUserIDs:  admins,
	}
}

// RequireAdmin は特権ユーザーのみ後続ハンドラーへ通すミドルウェア。
func (h *AdminHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		if _, ok := h.adminUserIDs[userID]; !ok {
			writeAPIErrorResponse(w, http.StatusForbidden, &model.APIError{
				Code:     "FORBIDDEN",
				Message:  "この操作には管理者権限が必要です。",
				Category: "validation",
				Action:   "管理者アカウントでアクセスしてください。",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunAudit は監査の即時実行を処理する。
// POST /api/admin/audit/run
func (h *AdminHandler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.auditor.RunAudit(r.Context())
	if err != nil {
		if errors.Is(err, reconciler.ErrSafetyCeiling) {
			writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
				Code:     model.ErrCodeSafetyCeiling,
				Message:  "監査スキャンが安全上限を超えました。",
				Category: "system",
				Action:   "監査対象の範囲または上限設定を確認してください。",
			})
			return
		}
		handleServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, report)
}

// RunRecovery は是正の即時実行を処理する。
// POST /api/admin/audit/recover
func (h *AdminHandler) RunRecovery(w http.ResponseWriter, r *http.Request) {
	applied, err := h.recoverer.RunRecovery(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"applied": applied})
}

// Validate は返金機構検証の実行を処理する。
// GET /api/admin/audit/validate
func (h *AdminHandler) Validate(w http.ResponseWriter, r *http.Request) {
	report, err := h.validator.ValidateRefundMechanism(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, report)
}

// ListBreakers は全ブレーカーの統計を返す。
// GET /api/admin/breakers
func (h *AdminHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.breakers.Snapshot())
}

// ResetBreaker は指定ブレーカーを初期状態に戻す。
// POST /api/admin/breakers/{name}/reset
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	brk := h.breakers.Lookup(name)
	if brk == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "BREAKER_NOT_FOUND",
			Message:  "指定されたブレーカーが見つかりません: " + name,
			Category: "validation",
			Action:   "ブレーカー名を確認してください。",
		})
		return
	}
	brk.Reset()
	writeJSONResponse(w, http.StatusOK, brk.Stats())
}

// limitsResponse は制限系コンポーネントの現在値。
type limitsResponse struct {
	PendingRentals int `json:"pending_rentals"`
	GlobalActive   int `json:"global_active"`
	GlobalCapacity int `json:"global_capacity"`
	RentalActive   int `json:"rental_active"`
	RentalCapacity int `json:"rental_capacity"`
}

// ListLimits は制限系コンポーネントの現在値を返す。
// GET /api/admin/limits
func (h *AdminHandler) ListLimits(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, limitsResponse{
		PendingRentals: h.governor.PendingTotal(),
		GlobalActive:   h.globalLimiter.Active(),
		GlobalCapacity: h.globalLimiter.Capacity(),
		RentalActive:   h.rentalLimiter.Active(),
		RentalCapacity: h.rentalLimiter.Capacity(),
	})
}

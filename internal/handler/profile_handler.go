package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/readlog/internal/middleware"
	"github.com/hitoshi/readlog/internal/model"
	"github.com/hitoshi/readlog/internal/username"
)

// ProfileService はプロフィールの作成・更新を行うSession Managerの操作。
type ProfileService interface {
	CreateProfile(ctx context.Context, rawUsername, avatarID, bio string) (*model.Profile, error)
	UpdateBio(ctx context.Context, bio string) (*model.Profile, error)
}

// UsernameDraft は入力中のユーザー名を逐次検証する。username.Validatorが実装する。
type UsernameDraft interface {
	Input(text string)
	Current() username.Result
}

// UsernameChecker はユーザー名が他のユーザーに使用済みかを確認する。
type UsernameChecker interface {
	TakenByOther(ctx context.Context, candidate, externalID string) (bool, error)
}

// ProfileHandler はプロフィール作成画面のハンドラー。
type ProfileHandler struct {
	profiles ProfileService
	draft    UsernameDraft
	checker  UsernameChecker
	logger   *slog.Logger
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(profiles ProfileService, draft UsernameDraft, checker UsernameChecker, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		profiles: profiles,
		draft:    draft,
		checker:  checker,
		logger:   logger,
	}
}

type createProfileRequest struct {
	Username string `json:"username"`
	AvatarID string `json:"avatar_id"`
	Bio      string `json:"bio"`
}

// CreateProfile はサインイン中のユーザーのプロフィールを作成する。
// POST /api/profile
func (h *ProfileHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.profiles.CreateProfile(r.Context(), req.Username, req.AvatarID, req.Bio)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toProfileResponse(profile))
}

type updateBioRequest struct {
	Bio string `json:"bio"`
}

// UpdateBio は自己紹介のみを更新する。
// PATCH /api/profile
func (h *ProfileHandler) UpdateBio(w http.ResponseWriter, r *http.Request) {
	var req updateBioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.profiles.UpdateBio(r.Context(), req.Bio)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toProfileResponse(profile))
}

type usernameStatusResponse struct {
	Input     string `json:"input"`
	Candidate string `json:"candidate"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

func toUsernameStatusResponse(res username.Result) usernameStatusResponse {
	resp := usernameStatusResponse{
		Input:     res.Input,
		Candidate: res.Candidate,
		Status:    string(res.Status),
	}
	var vErr *model.ValidationError
	if errors.As(res.Err, &vErr) {
		resp.ErrorCode = model.NewValidationAPIError(vErr).Code
	}
	return resp
}

type usernameDraftRequest struct {
	Username string `json:"username"`
}

// SubmitUsernameDraft は入力中のユーザー名を渡す。可用性の確認は遅延して非同期に行われる。
// POST /api/profile/username-draft
func (h *ProfileHandler) SubmitUsernameDraft(w http.ResponseWriter, r *http.Request) {
	var req usernameDraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	h.draft.Input(req.Username)
	middleware.WriteJSON(w, http.StatusAccepted, toUsernameStatusResponse(h.draft.Current()))
}

// GetUsernameStatus は直近の入力に対する検証結果を返す。
// GET /api/profile/username-status
func (h *ProfileHandler) GetUsernameStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, toUsernameStatusResponse(h.draft.Current()))
}

type usernameAvailabilityResponse struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
}

// CheckUsername はユーザー名が使用可能かを即時に確認する。
// GET /api/usernames/{name}
func (h *ProfileHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	name := username.Normalize(chi.URLParam(r, "name"))
	if err := username.ValidateFormat(name); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	// 自分の部分的なプロフィールが持つusernameは使用可能と返す
	externalID, _ := middleware.ExternalIDFromContext(r.Context())
	taken, err := h.checker.TakenByOther(r.Context(), name, externalID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, usernameAvailabilityResponse{
		Username:  name,
		Available: !taken,
	})
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/joker96824/vg-api-sub000/internal/middleware"
	"github.com/joker96824/vg-api-sub000/internal/service"
	"github.com/joker96824/vg-api-sub000/internal/service/battle"
	"github.com/joker96824/vg-api-sub000/internal/service/user"
	"github.com/joker96824/vg-api-sub000/internal/ws"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Auth, services.Match, services.Bus)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/vg/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", handler.Login)
		}
		authProtected := v1.Group("/auth")
		authProtected.Use(middleware.AuthRequired())
		{
			authProtected.POST("/logout", handler.Logout)
		}

		userGroup := v1.Group("/user")
		userGroup.Use(middleware.AuthRequired())
		{
			userGroup.GET("/profile", handler.GetProfile)
			userGroup.PUT("/profile", handler.UpdateProfile)
		}

		deckGroup := v1.Group("/decks")
		deckGroup.Use(middleware.AuthRequired())
		{
			deckGroup.GET("", handler.ListDecks)
			deckGroup.PUT("/:id/activate", handler.ActivateDeck)
		}

		matchGroup := v1.Group("/match")
		matchGroup.Use(middleware.AuthRequired())
		{
			matchGroup.POST("/join", handler.MatchJoin)
			matchGroup.POST("/confirm", handler.MatchConfirm)
			matchGroup.POST("/cancel", handler.MatchCancel)
			matchGroup.GET("/status", handler.MatchStatus)
		}

		roomGroup := v1.Group("/rooms")
		roomGroup.Use(middleware.AuthRequired())
		{
			roomGroup.GET("/:id", handler.GetRoomInfo)
			roomGroup.POST("/:id/dissolve", handler.DissolveRoom)
			roomGroup.POST("/:id/kick", handler.KickFromRoom)
		}

		battleGroup := v1.Group("/battles")
		battleGroup.Use(middleware.AuthRequired())
		{
			battleGroup.GET("/:id/reconnect", handler.BattleReconnect)
			battleGroup.POST("/:id/phase", handler.BattleSetPhase)
			battleGroup.POST("/:id/next_turn", handler.BattleNextTurn)
			battleGroup.PUT("/:id/field", handler.BattleUpdateField)
			battleGroup.POST("/:id/cleanup", handler.BattleCleanup)
		}
	}

	r.GET("/ws", wsHandler.HandleWS)
}

type loginBody struct {
	Username string `json:"username" binding:"required"`
}

type updateProfileBody struct {
	Nickname *string `json:"nickname"`
	Avatar   *string `json:"avatar"`
}

type matchConfirmBody struct {
	MatchID string `json:"match_id" binding:"required"`
	Accept  *bool  `json:"accept" binding:"required"`
}

type kickBody struct {
	TargetID int64 `json:"target_id" binding:"required"`
}

type setPhaseBody struct {
	Phase string `json:"phase" binding:"required"`
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(middleware.ContextUserIDKey)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, appErr.ErrAlreadyQueued),
		errors.Is(err, appErr.ErrAlreadyInRoom),
		errors.Is(err, appErr.ErrInvalidPlayerCount),
		errors.Is(err, appErr.ErrNoActiveDeck),
		errors.Is(err, appErr.ErrInvalidFieldStructure):
		status = http.StatusConflict
	case errors.Is(err, appErr.ErrMatchNotFound),
		errors.Is(err, appErr.ErrRoomNotFound),
		errors.Is(err, appErr.ErrUserNotFound),
		errors.Is(err, appErr.ErrBattleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appErr.ErrUnauthorized),
		errors.Is(err, appErr.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, appErr.ErrRoomAccessDenied):
		status = http.StatusForbidden
	}
	c.JSON(status, response.Body{
		Code: status,
		Data: gin.H{"code": appErr.Code(err)},
		Msg:  err.Error(),
	})
}

func (h *Handler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, "username required")
		return
	}
	result, err := h.services.Auth.Login(c.Request.Context(), body.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.services.Auth.InvalidateSession(c.Request.Context(), currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.services.User.GetProfile(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, profile)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var body updateProfileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}
	profile, err := h.services.User.UpdateProfile(c.Request.Context(), currentUserID(c), user.UpdateProfileParams{
		Nickname: body.Nickname,
		Avatar:   body.Avatar,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, profile)
}

func (h *Handler) ListDecks(c *gin.Context) {
	decks, err := h.services.Deck.ListDecks(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, decks)
}

func (h *Handler) ActivateDeck(c *gin.Context) {
	deckID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	if err := h.services.Deck.SetActive(c.Request.Context(), currentUserID(c), deckID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) MatchJoin(c *gin.Context) {
	result, err := h.services.Match.Join(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) MatchConfirm(c *gin.Context) {
	var body matchConfirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, "match_id and accept required")
		return
	}
	result, err := h.services.Match.Confirm(c.Request.Context(), currentUserID(c), body.MatchID, *body.Accept)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) MatchCancel(c *gin.Context) {
	removed, err := h.services.Match.Leave(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": removed})
}

func (h *Handler) MatchStatus(c *gin.Context) {
	status, err := h.services.Match.Status(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, status)
}

func (h *Handler) GetRoomInfo(c *gin.Context) {
	roomID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	info, err := h.services.Room.GetInfo(c.Request.Context(), currentUserID(c), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, info)
}

func (h *Handler) DissolveRoom(c *gin.Context) {
	roomID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	if err := h.services.Room.Dissolve(c.Request.Context(), currentUserID(c), roomID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) KickFromRoom(c *gin.Context) {
	roomID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var body kickBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, "target_id required")
		return
	}
	if err := h.services.Room.Kick(c.Request.Context(), currentUserID(c), roomID, body.TargetID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) BattleReconnect(c *gin.Context) {
	state, err := h.services.Battle.GetForReconnect(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, state)
}

func (h *Handler) BattleSetPhase(c *gin.Context) {
	battleID := c.Param("id")
	if err := h.services.Battle.ValidateAccess(c.Request.Context(), battleID, currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	var body setPhaseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, "phase required")
		return
	}
	ok, err := h.services.Battle.SetPhase(c.Request.Context(), battleID, battle.Phase(body.Phase))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": ok})
}

func (h *Handler) BattleNextTurn(c *gin.Context) {
	battleID := c.Param("id")
	if err := h.services.Battle.ValidateAccess(c.Request.Context(), battleID, currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	ok, err := h.services.Battle.NextTurn(c.Request.Context(), battleID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": ok})
}

func (h *Handler) BattleUpdateField(c *gin.Context) {
	battleID := c.Param("id")
	userID := currentUserID(c)
	if err := h.services.Battle.ValidateAccess(c.Request.Context(), battleID, userID); err != nil {
		respondError(c, err)
		return
	}
	var field battle.PlayerField
	if err := c.ShouldBindJSON(&field); err != nil {
		respondError(c, appErr.ErrInvalidFieldStructure)
		return
	}
	ok, err := h.services.Battle.UpdatePlayerField(c.Request.Context(), battleID, userID, &field)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": ok})
}

func (h *Handler) BattleCleanup(c *gin.Context) {
	battleID := c.Param("id")
	if err := h.services.Battle.ValidateAccess(c.Request.Context(), battleID, currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	if err := h.services.Battle.Cleanup(c.Request.Context(), battleID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, nil)
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		response.Error(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return value, true
}

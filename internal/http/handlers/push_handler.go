package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/group-sync/internal/services"
)

// SubscriptionKeys mirrors PushSubscription.toJSON().keys in the browser.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" example:"BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM"`
	Auth   string `json:"auth"   example:"tBHItJI5svbpez7KI4CCXg"`
}

// RegisterSubscriptionRequest is the browser's serialized PushSubscription.
type RegisterSubscriptionRequest struct {
	Endpoint string           `json:"endpoint" binding:"required" example:"https://fcm.googleapis.com/fcm/send/abc"`
	Keys     SubscriptionKeys `json:"keys"`
}

// SubscriptionResponse describes a stored subscription without its keys.
type SubscriptionResponse struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	// Moved is true when the endpoint was previously registered to another user.
	Moved bool `json:"moved"`
}

// UnregisterSubscriptionRequest identifies the endpoint to remove.
type UnregisterSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required" example:"https://fcm.googleapis.com/fcm/send/abc"`
}

// VAPIDKeyResponse carries the application server key for pushManager.subscribe.
type VAPIDKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// PushEventResponse acknowledges a push event; Intent is set for clicks.
type PushEventResponse struct {
	Scheduled bool                       `json:"scheduled"`
	Intent    *services.NavigationIntent `json:"intent,omitempty"`
}

// VAPIDKey godoc
// @ID          vapidKey
// @Summary     VAPID public key
// @Tags        Push
// @Produce     json
// @Success     200  {object} handlers.VAPIDKeyResponse
// @Failure     404  {object} handlers.ErrorResponse "Push disabled"
// @Router      /push/vapid-key [get]
func (h *Handlers) VAPIDKey(c *gin.Context) {
	if h.VAPIDPublicKey == "" {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "push notifications are disabled")
		return
	}
	ok(c, http.StatusOK, VAPIDKeyResponse{PublicKey: h.VAPIDPublicKey})
}

// RegisterSubscription godoc
// @ID          registerPushSubscription
// @Summary     Register a push subscription
// @Description Stores the browser subscription for the caller. Registering an endpoint that belongs to another user moves it to the caller.
// @Tags        Push
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       body       body    handlers.RegisterSubscriptionRequest  true  "Subscription"
//
// @Success     201  {object} handlers.SubscriptionResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /push/subscriptions [post]
func (h *Handlers) RegisterSubscription(c *gin.Context) {
	var req RegisterSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "endpoint and keys are required")
		return
	}
	sub, moved, err := h.subs.Register(c.Request.Context(), userID(c), req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, SubscriptionResponse{ID: sub.ID, Endpoint: sub.Endpoint, Moved: moved})
}

// UnregisterSubscription godoc
// @ID          unregisterPushSubscription
// @Summary     Remove a push subscription
// @Tags        Push
// @Accept      json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       body       body    handlers.UnregisterSubscriptionRequest  true  "Endpoint"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Subscription not found"
// @Router      /push/subscriptions [delete]
func (h *Handlers) UnregisterSubscription(c *gin.Context) {
	var req UnregisterSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "endpoint is required")
		return
	}
	if err := h.subs.Unregister(c.Request.Context(), userID(c), req.Endpoint); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// PushEvent godoc
// @ID          pushEvent
// @Summary     Report a push event
// @Description Called by the service worker when a notification is received or clicked. Both schedule a background sync of the group; a click also returns where to navigate.
// @Tags        Push
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       body       body    services.PushEvent  true  "Event"
//
// @Success     202  {object} handlers.PushEventResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     503  {object} handlers.ErrorResponse "Shutting down"
// @Router      /push/events [post]
func (h *Handlers) PushEvent(c *gin.Context) {
	var ev services.PushEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if ev.Type != services.PushReceived && ev.Type != services.PushClicked {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, `type must be "received" or "clicked"`)
		return
	}
	intent, err := h.events.Handle(c.Request.Context(), ev)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusAccepted, PushEventResponse{Scheduled: true, Intent: intent})
}

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxBody = 256 << 10

// Handler exposes the router over HTTP.
type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

// RegisterRoutes mounts every client route on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/nodeinfo", h.action(ActionNodeInfo))
	r.POST("/onorderupdate", h.action(ActionOrderUpdate))
	r.PUT("/machine-ids/:machine_id", h.action(ActionChangeID))
	r.PUT("/active-machine-id", h.action(ActionActivate))
	r.DELETE("/active-machine-id", h.action(ActionDeactivate))
	r.POST("/credits/:replikanto_id", h.action(ActionCredit))
	r.POST("/broadcast/:broadcast_list_id/followers", h.action(ActionLink))
	r.DELETE("/broadcast/:broadcast_list_id/followers", h.action(ActionUnlink))
	r.GET("/broadcast/:broadcast_list_id", h.action(ActionFollowers))
	r.PUT("/broadcast/:broadcast_list_id/positions", h.action(ActionSetPositions))
	r.POST("/actions/:action", h.Action)
}

func (h *Handler) action(name string) gin.HandlerFunc {
	return func(c *gin.Context) { h.serve(c, name) }
}

// Action handles POST /actions/:action
func (h *Handler) Action(c *gin.Context) {
	h.serve(c, c.Param("action"))
}

func (h *Handler) serve(c *gin.Context, action string) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, Failure{Payload: errorPayload("unreadable body")})
		return
	}

	params := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}

	code, out := h.router.Dispatch(c.Request.Context(), Envelope{
		Action:     action,
		Headers:    c.Request.Header,
		PathParams: params,
		Body:       json.RawMessage(body),
		RemoteIP:   c.ClientIP(),
		ViaHTTP:    true,
	})
	c.JSON(code, out)
}

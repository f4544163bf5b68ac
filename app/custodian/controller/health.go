package controller

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.App.RedisClient.Health(ctx); err != nil {
			// events are best effort; report but stay up
			c.App.Logger.Warn("Redis health check failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, "1")
}

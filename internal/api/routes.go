package api

import (
	"github.com/cloudwego/hertz/pkg/route"
)

// Register mounts the admin routes on r.
func Register(r *route.Engine, h *Handler) {
	r.GET("/ping", h.Ping)
	r.GET("/running", h.Running)
	r.GET("/executors", h.ListExecutors)

	trees := r.Group("/trees")
	{
		trees.POST("", h.CreateTree)
		trees.GET("/:id", h.GetTree)
		trees.POST("/:id/run", h.RunTree)
		trees.POST("/:id/clone", h.CloneTree)
	}

	tasks := r.Group("/tasks")
	{
		tasks.GET("/:id", h.GetTask)
		tasks.PATCH("/:id", h.UpdateTask)
		tasks.POST("/:id/cancel", h.CancelTask)
	}
}

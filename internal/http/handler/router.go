package handler

import "github.com/gin-gonic/gin"

// Register 挂载运维接口
func Register(r gin.IRouter, health *HealthHandler, metrics *MetricsHandler, sched *SchedulerHandler) {
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)

	api := r.Group("/api/v1")
	{
		api.GET("/metrics/scheduler", metrics.GetSchedulerMetrics)
		api.GET("/scheduler/status", sched.GetStatus)
		api.POST("/scheduler/resync", sched.Resync)
		api.GET("/scheduler/instances", sched.ListInstances)
		api.GET("/jobs/:id/lock", sched.GetJobLock)
	}
}

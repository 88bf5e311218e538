package handler

import (
	"context"
	"log/slog"
	"net/http"

	"BackupScheduler/internal/instance"
	"BackupScheduler/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Engine interface {
	Status() scheduler.Status
	ResyncStaleSchedules(ctx context.Context) int
}

type LockChecker interface {
	IsLocked(ctx context.Context, jobID string) bool
}

type InstanceLister func(ctx context.Context) ([]instance.Instance, error)

type SchedulerHandler struct {
	engine    Engine
	locks     LockChecker
	instances InstanceLister
	logger    *slog.Logger
}

func NewSchedulerHandler(engine Engine, locks LockChecker, instances InstanceLister, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{engine: engine, locks: locks, instances: instances, logger: logger}
}

// GET /api/v1/scheduler/status
func (h *SchedulerHandler) GetStatus(c *gin.Context) {
	st := h.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"instance_id": st.InstanceID,
		"started":     st.Started,
		"ticking":     st.Ticking,
		"interval_ms": st.Interval.Milliseconds(),
		"lock_ttl_ms": st.LockTTL.Milliseconds(),
	})
}

// POST /api/v1/scheduler/resync
// 只对齐已错过至少一个 tick 的任务，刚到期的任务留给 tick 认领
func (h *SchedulerHandler) Resync(c *gin.Context) {
	n := h.engine.ResyncStaleSchedules(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// GET /api/v1/scheduler/instances
func (h *SchedulerHandler) ListInstances(c *gin.Context) {
	list, err := h.instances(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list scheduler instances", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if list == nil {
		list = []instance.Instance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": list, "count": len(list)})
}

// GET /api/v1/jobs/:id/lock
func (h *SchedulerHandler) GetJobLock(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	// 缓存不可用时 IsLocked 返回 false，这里仅作诊断
	c.JSON(http.StatusOK, gin.H{
		"job_id": id.String(),
		"locked": h.locks.IsLocked(c.Request.Context(), id.String()),
	})
}

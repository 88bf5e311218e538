package scheduler

import "sync"

var (
	instanceMu sync.Mutex
	instance   *Scheduler
)

// Init 首次调用时创建进程内唯一的 Scheduler，之后的调用忽略参数并返回已有实例
func Init(store Store, locks Locker, q Queue, opts ...Option) *Scheduler {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = New(store, locks, q, opts...)
	}
	return instance
}

// Get 返回进程内的 Scheduler；Init 之前返回 false
func Get() (*Scheduler, bool) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance, instance != nil
}

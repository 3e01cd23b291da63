package scheduler

import (
	"sort"
	"time"

	"inferd/pkg/types"
)

// Status builds a detailed status response for /status.
func (s *Scheduler) Status() types.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	resp := types.StatusResponse{
		QueueLen:        len(s.queue),
		MaxQueueDepth:   s.maxQueue,
		LastError:       s.lastErr,
		UptimeSeconds:   int64(now.Sub(s.start).Seconds()),
		ServerTimeUnix:  now.Unix(),
		DispatchedTotal: s.dispatched.Load(),
		UnloadsTotal:    s.unloads.Load(),
	}
	queued := make(map[string]int)
	for _, j := range s.queue {
		queued[j.inst.ID()]++
	}
	resp.Instances = make([]types.InstanceStatus, 0, len(s.instances))
	for id, inst := range s.instances {
		running := inst.Running()
		if running {
			resp.Running = id
		}
		resp.Instances = append(resp.Instances, types.InstanceStatus{
			ID:       id,
			ModelID:  inst.Model().ID,
			State:    inst.State().String(),
			Stateful: inst.Stateful(),
			Running:  running,
			Loaded:   inst.Loaded(),
			LastUsed: inst.LastUsed().Unix(),
			QueueLen: queued[id],
		})
	}
	sort.Slice(resp.Instances, func(a, b int) bool { return resp.Instances[a].ID < resp.Instances[b].ID })
	return resp
}

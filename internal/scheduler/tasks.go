// Package scheduler drives the time-based side of lead routing: follow-up
// ticks enqueued through asynq, plus the periodic catch-up scan.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskFollowUpTick = "leads.followup.tick"

const TaskCatchupScan = "leads.catchup.scan"

// FollowUpTickPayload identifies one scheduled cadence step for a lead.
type FollowUpTickPayload struct {
	TenantID     string    `json:"tenantId"`
	ContactID    string    `json:"contactId"`
	Bot          string    `json:"bot"`
	Step         string    `json:"step"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

func NewFollowUpTickTask(payload FollowUpTickPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFollowUpTick, data), nil
}

func ParseFollowUpTickPayload(task *asynq.Task) (FollowUpTickPayload, error) {
	var payload FollowUpTickPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FollowUpTickPayload{}, err
	}
	return payload, nil
}

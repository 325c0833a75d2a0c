package elicitation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentbridge/bridge/bridge/event"
)

// StartExpirySweep registers a cron job that scans pending elicitations past
// their deadline, appends ElicitationExpired for each, and wakes any
// waiters. It returns the running cron scheduler so the caller can Stop it.
func (c *Coordinator) StartExpirySweep(ctx context.Context, schedule string) (*cron.Cron, error) {
	if schedule == "" {
		schedule = "@every 5s"
	}
	sched := cron.New()
	_, err := sched.AddFunc(schedule, func() { c.sweepExpired(ctx) })
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}

func (c *Coordinator) sweepExpired(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var due []string
	for id, elic := range c.byID {
		if elic.State == StatePending && now.After(elic.ExpiresAt) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		c.expireOne(ctx, id)
	}
}

func (c *Coordinator) expireOne(ctx context.Context, elicitationID string) {
	raw, err := json.Marshal(expiredEventPayload{ElicitationID: elicitationID})
	if err != nil {
		return
	}
	if _, err := c.store.Append(ctx, []event.Event{{
		StreamID: "elicitation:" + elicitationID,
		Type:     event.TypeElicitationExpired,
		Payload:  raw,
	}}); err != nil {
		if c.logger != nil {
			c.logger.WithField("elicitation_id", elicitationID).Error("failed to append expiry: " + err.Error())
		}
		return
	}

	c.mu.Lock()
	if elic, ok := c.byID[elicitationID]; ok {
		elic.State = StateExpired
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogElicitationTransition(ctx, elicitationID, string(StatePending), string(StateExpired))
	}
	c.wake(elicitationID)
}

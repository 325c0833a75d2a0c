package dispatcher

import (
	"encoding/json"

	"github.com/agentbridge/bridge/bridge/event"
)

type cacheInvalidatedPayload struct {
	Fingerprint string `json:"fingerprint,omitempty"` // empty means invalidate everything
}

// WireInvalidation subscribes the memory tier to cache invalidation events
// delivered by the subscription hub, so a PolicyUpdated or CacheInvalidated
// event takes effect for every gateway process without a restart.
func WireInvalidation(tier *MemoryTier, events <-chan event.Event) {
	go func() {
		for ev := range events {
			switch ev.Type {
			case event.TypeCacheInvalidated:
				var p cacheInvalidatedPayload
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					continue
				}
				if p.Fingerprint == "" {
					tier.InvalidateAll()
				} else {
					tier.Invalidate(p.Fingerprint)
				}
			case event.TypePolicyUpdated:
				tier.InvalidateAll()
			}
		}
	}()
}

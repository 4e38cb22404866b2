package solar

import (
	"context"
	"time"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/geo"
)

// Broadcast publishes a solar event on the bus at every solar instant.
// Instants that already passed when the day is checked are not replayed.
func Broadcast(ctx context.Context, s *EventScheduler, pub eventbus.Publisher) ([]*Registration, error) {
	regs := make([]*Registration, 0, len(geo.Events))
	for _, event := range geo.Events {
		event := event
		r, err := s.OnEvent(ctx, Trigger{
			Event:    event,
			Label:    "solar:" + string(event),
			SkipPast: true,
			Exec: func(context.Context) {
				ts, _ := s.table.Get(event)
				pub.Publish(eventbus.Event{
					Type: eventbus.EventTypeSolar,
					Data: map[string]any{"event": string(event), "time": ts.Format(time.RFC3339)},
				})
			},
		})
		if err != nil {
			for _, prev := range regs {
				prev.Remove()
			}
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, nil
}

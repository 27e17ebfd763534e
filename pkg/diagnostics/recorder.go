package diagnostics

import (
	"github.com/swgcluster/controlplane/pkg/events"
	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/types"
)

// Recorder is the event bus's durable consumer: it subscribes to a
// Broker and persists every published event into a Store, so the
// operator history survives the publisher's process only as long as
// the local database does, and components only ever publish, never
// write the store directly.
type Recorder struct {
	store *Store
	bus   *events.Broker

	sub    events.Subscriber
	stopCh chan struct{}
}

// NewRecorder constructs a Recorder over store and bus. Call Start to
// begin consuming.
func NewRecorder(store *Store, bus *events.Broker) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the bus and begins persisting events in the
// background.
func (r *Recorder) Start() {
	r.sub = r.bus.Subscribe()
	go r.run()
}

// Stop unsubscribes and stops the background loop. Events still
// buffered on the subscription are dropped, matching the broker's own
// best-effort delivery.
func (r *Recorder) Stop() {
	close(r.stopCh)
	r.bus.Unsubscribe(r.sub)
}

func (r *Recorder) run() {
	logger := log.WithComponent("diagnostics")
	for {
		select {
		case event, ok := <-r.sub:
			if !ok {
				return
			}
			err := r.store.Append(types.DiagnosticEvent{
				ID:        event.ID,
				Type:      string(event.Type),
				Timestamp: event.Timestamp,
				Message:   event.Message,
				Fields:    event.Metadata,
			})
			if err != nil {
				logger.Error().Err(err).Str("type", string(event.Type)).Msg("failed to persist event")
			}
		case <-r.stopCh:
			return
		}
	}
}

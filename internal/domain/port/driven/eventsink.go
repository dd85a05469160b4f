package driven

import "github.com/ericfisherdev/reviewdesk/internal/domain/model"

// EventSink defines the driven port for status-change notifications consumed
// by the presentation layer. Publish must never block the caller.
type EventSink interface {
	Publish(e model.Event)
}

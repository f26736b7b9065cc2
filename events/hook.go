package events

import (
	"context"
	"encoding/json"

	"github.com/muryk/ttbridge/dispatcher"
	"github.com/muryk/ttbridge/logging"
	"github.com/muryk/ttbridge/telemetry"
)

// Hook publishes every finished task on its bus. Publish failures are
// logged; they never affect the caller's result.
type Hook struct {
	bus    Bus
	prefix string
	logger *logging.Logger
}

var _ dispatcher.Hook = (*Hook)(nil)

// NewHook creates a hook publishing under prefix.
func NewHook(bus Bus, prefix string, logger *logging.Logger) (*Hook, error) {
	if err := validatePublish(prefix); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hook{
		bus:    bus,
		prefix: prefix,
		logger: logger.WithComponent("events"),
	}, nil
}

// OnTaskFinished implements dispatcher.Hook.
func (h *Hook) OnTaskFinished(ctx context.Context, o dispatcher.Outcome) {
	data, err := json.Marshal(NewEvent(o))
	if err != nil {
		h.logger.Error("encode_failed", map[string]interface{}{
			"task":  o.Task.ID,
			"error": err.Error(),
		})
		return
	}

	header := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, header)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msg := &Message{
		Subject: Subject(h.prefix, o.Task.State),
		Header:  header,
		Data:    data,
	}
	if err := h.bus.Publish(ctx, msg); err != nil {
		h.logger.Warn("publish_failed", map[string]interface{}{
			"task":    o.Task.ID,
			"subject": msg.Subject,
			"error":   err.Error(),
		})
	}
}

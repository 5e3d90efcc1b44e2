package alert

import (
	"context"

	"go.uber.org/zap"
)

// LogHandler writes every alert it receives to a logger.
type LogHandler struct {
	id       string
	priority Priority
	log      *zap.Logger
}

func NewLogHandler(id string, p Priority, log *zap.Logger) *LogHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogHandler{id: id, priority: p, log: log.Named("alerts")}
}

func (h *LogHandler) ID() string         { return h.id }
func (h *LogHandler) Priority() Priority { return h.priority }

func (h *LogHandler) Handle(ctx context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("environment", a.EnvironmentID),
		zap.String("kind", a.Kind),
		zap.Time("raisedAt", a.RaisedAt),
	}
	if a.ContainerID != "" {
		fields = append(fields, zap.String("container", a.ContainerID))
	}
	for k, v := range a.Values {
		fields = append(fields, zap.String(k, v))
	}
	h.log.Warn("Alert raised", fields...)
	return nil
}

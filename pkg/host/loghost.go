package host

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogHost is a plugins.Host that logs what plugins send instead of
// delivering it
type LogHost struct {
	id  int64
	log logrus.FieldLogger
}

// NewLogHost creates a host reporting selfID
func NewLogHost(selfID int64, log logrus.FieldLogger) *LogHost {
	if log == nil {
		log = logrus.New()
	}
	return &LogHost{id: selfID, log: log}
}

func (h *LogHost) SelfID() int64 {
	return h.id
}

func (h *LogHost) SendMessage(_ context.Context, target, text string) error {
	h.log.WithField("target", target).Infof("Plugin message: %s", text)
	return nil
}

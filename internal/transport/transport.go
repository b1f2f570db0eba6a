// Package transport holds the built-in delivery collaborator. Real chat
// transports live outside this service; the local transport serves files
// from the managed directory and pushes notices to the progress hub.
package transport

import (
	"fmt"
	"log/slog"
	"os"

	"vidfetchgo/internal/models"
)

// Notifier receives short status texts for a user, e.g. the websocket hub.
type Notifier interface {
	NotifyUser(user int64, message string)
}

// Local delivers by leaving the file in place; downstream consumers fetch it
// over HTTP from the download directory. Files above the size cap are
// rejected the way a chat transport would reject them.
type Local struct {
	maxSize  int64
	notifier Notifier
}

func NewLocal(maxSize int64, notifier Notifier) *Local {
	return &Local{maxSize: maxSize, notifier: notifier}
}

func (l *Local) Deliver(user int64, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return models.NewJobError(models.KindSendFailure, "delivery failed: "+err.Error())
	}
	if l.maxSize > 0 && info.Size() > l.maxSize {
		return models.NewJobError(models.KindTooLarge,
			fmt.Sprintf("file too large for transport: %d bytes", info.Size()))
	}
	slog.Info("File ready for pickup", "user", user, "path", path, "bytes", info.Size())
	return nil
}

func (l *Local) Notify(user int64, message string) {
	slog.Debug("Notify", "user", user, "message", message)
	if l.notifier != nil {
		l.notifier.NotifyUser(user, message)
	}
}

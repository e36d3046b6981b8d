// Package transport provides concrete token sources for the lifecycle
// manager. The channel source mints opaque channel tokens locally; real
// deployments swap in a platform SDK behind the same interface.
package transport

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ChannelSource issues opaque channel tokens for the service's own
// delivery channel. Permission is a deployment decision rather than a
// runtime prompt, so it is fixed at construction.
type ChannelSource struct {
	granted bool
	logger  *slog.Logger
}

func NewChannelSource(permissionGranted bool, logger *slog.Logger) *ChannelSource {
	return &ChannelSource{
		granted: permissionGranted,
		logger:  logger.With("component", "ChannelSource"),
	}
}

// RequestPermission reports the configured grant. There is no UI to
// prompt; a denied configuration keeps the whole plane in no-push mode.
func (s *ChannelSource) RequestPermission(_ context.Context) (bool, error) {
	return s.granted, nil
}

// ObtainToken mints a fresh opaque token. Each call returns a new
// value, which is what forces downstream re-registration on rotation.
func (s *ChannelSource) ObtainToken(_ context.Context) (string, error) {
	tok := "chan-" + uuid.NewString()
	s.logger.Debug("Minted channel token")
	return tok, nil
}

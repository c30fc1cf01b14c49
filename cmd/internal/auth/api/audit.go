package api

import (
	"context"
	"log/slog"
	"net"
)

// Recorder receives auth events for metrics.
type Recorder interface {
	AuthEvent(event, outcome string)
	RefreshRotation(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) AuthEvent(string, string) {}
func (nopRecorder) RefreshRotation(string) {}

// audit writes one structured line per auth event and counts it.
// attrs never carry passwords or tokens.
func (h *Handler) audit(ctx context.Context, event, outcome string, ip net.IP, attrs ...any) {
	h.rec.AuthEvent(event, outcome)

	level := slog.LevelInfo
	if outcome != "ok" {
		level = slog.LevelWarn
	}
	args := make([]any, 0, len(attrs)+4)
	args = append(args, "outcome", outcome)
	if ip != nil {
		args = append(args, "ip", ip.String())
	}
	args = append(args, attrs...)
	h.log.Log(ctx, level, "auth."+event, args...)
}

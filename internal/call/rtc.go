package call

import (
	"context"

	"go.uber.org/zap"
)

// HeadlessRTC satisfies the RTC interface without capturing media. The
// daemon runs without audio or video devices; it joins rooms and tracks
// call state so attached frontends can render it, while an embedding
// application supplies a real provider instead.
type HeadlessRTC struct {
	logger *zap.Logger
}

// NewHeadlessRTC creates a media-less RTC provider.
func NewHeadlessRTC(logger *zap.Logger) *HeadlessRTC {
	return &HeadlessRTC{logger: logger}
}

func (r *HeadlessRTC) RequestPermission(ctx context.Context, callType string) error {
	return nil
}

func (r *HeadlessRTC) Login(ctx context.Context, token, roomID, userID string) error {
	r.logger.Info("joined rtc room", zap.String("room_id", roomID))
	return nil
}

func (r *HeadlessRTC) CreateStream(ctx context.Context, callType string) (string, error) {
	return "headless", nil
}

func (r *HeadlessRTC) Publish(ctx context.Context, streamID string) error {
	return nil
}

func (r *HeadlessRTC) Play(ctx context.Context, streamID string) error {
	return nil
}

func (r *HeadlessRTC) StopPublishing(ctx context.Context) {}

func (r *HeadlessRTC) StopPlaying(ctx context.Context) {}

func (r *HeadlessRTC) Logout(ctx context.Context) {
	r.logger.Info("left rtc room")
}

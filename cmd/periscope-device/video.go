// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/periscope-remote/periscope/lib/config"
	"github.com/periscope-remote/periscope/transport"
	"github.com/periscope-remote/periscope/video"
)

// testPatternFrameInterval approximates a 30fps capture source.
const testPatternFrameInterval = 33 * time.Millisecond

// streamTestPattern stands in for the capture/encoder collaborator: it
// emits synthetic frames on the video channel at a fixed cadence, with
// key frames on the configured interval and on demand. A send failure
// drops the frame; the next key frame recovers, the same contract a
// real encoder gets.
func streamTestPattern(ctx context.Context, session *transport.RemoteSession, cfg config.VideoConfig, keyFrameWanted *atomic.Bool, logger *slog.Logger) {
	videoOpen := make(chan struct{}, 1)
	session.VideoAvailable().Subscribe(func(open bool) {
		if open {
			select {
			case videoOpen <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-videoOpen:
	case <-ctx.Done():
		return
	case <-session.Done():
		return
	}

	channel, ok := session.Video()
	if !ok {
		return
	}
	logger.Info("test pattern streaming started")

	ticker := time.NewTicker(testPatternFrameInterval)
	defer ticker.Stop()

	start := time.Now()
	lastKeyFrame := start
	var sequence uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case now := <-ticker.C:
			keyFrame := now.Sub(lastKeyFrame) >= cfg.KeyFrameInterval
			if keyFrameWanted.Swap(false) {
				keyFrame = true
			}
			if keyFrame {
				lastKeyFrame = now
			}

			frame := video.Frame{
				Payload:   testPatternPayload(sequence, keyFrame),
				Timestamp: uint64(now.Sub(start).Microseconds()),
				KeyFrame:  keyFrame,
			}
			sequence++

			if err := video.Send(frame, channel.Send); err != nil {
				logger.Debug("dropping test pattern frame", "error", err)
			}
		}
	}
}

// testPatternPayload is a recognizable synthetic frame body: key
// frames are large enough to exercise the chunked encoding.
func testPatternPayload(sequence uint64, keyFrame bool) []byte {
	size := 1200
	if keyFrame {
		size = 24_000
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(sequence + uint64(i))
	}
	return payload
}

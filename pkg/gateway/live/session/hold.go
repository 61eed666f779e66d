package session

import (
	"context"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/live/telephony"
)

func (s *CallSession) startHoldAudio(ctx context.Context) {
	s.stopHoldAudio()
	hctx, cancel := context.WithCancel(ctx)
	s.holdCancel = cancel
	frames := holdFrames(s.cfg.HoldAudio)
	go func() {
		ticker := time.NewTicker(telephony.FrameDuration * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			if err := s.phone.SendAudio(hctx, frames[i]); err != nil {
				if hctx.Err() == nil {
					s.logger.Warn("hold audio stopped", "error", err)
				}
				return
			}
		}
	}()
}

func (s *CallSession) stopHoldAudio() {
	if s.holdCancel != nil {
		s.holdCancel()
		s.holdCancel = nil
	}
}

// holdFrames splits the hold clip into telephony frames, padding the tail with silence.
func holdFrames(audio []byte) [][]byte {
	if len(audio) == 0 {
		return telephony.SilenceFrames(1)
	}
	frames := make([][]byte, 0, len(audio)/telephony.FrameBytes+1)
	for off := 0; off < len(audio); off += telephony.FrameBytes {
		frame := telephony.SilenceFrames(1)[0]
		copy(frame, audio[off:])
		frames = append(frames, frame)
	}
	return frames
}

package interrupt

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
)

// Playback tracks what the telephony leg has been sent and has confirmed playing.
type Playback struct {
	LatestMediaTimestampMS   int64
	ResponseStartTimestampMS *int64
	LastAssistantTurnID      string
	MarkQueue                []string
}

// ObserveMedia advances the playback clock. Timestamps never move backwards.
func (p *Playback) ObserveMedia(timestampMS int64) {
	if timestampMS > p.LatestMediaTimestampMS {
		p.LatestMediaTimestampMS = timestampMS
	}
}

// ObserveAssistantAudio records that audio for turnID is being sent. The first chunk of
// a turn pins the response start to the current playback clock.
func (p *Playback) ObserveAssistantAudio(turnID string) {
	if turnID != "" && turnID != p.LastAssistantTurnID {
		p.LastAssistantTurnID = turnID
		p.ResponseStartTimestampMS = nil
	}
	if p.ResponseStartTimestampMS == nil {
		start := p.LatestMediaTimestampMS
		p.ResponseStartTimestampMS = &start
	}
}

func (p *Playback) EnqueueMark(name string) {
	p.MarkQueue = append(p.MarkQueue, name)
}

// AckMark pops the oldest outstanding mark. It reports whether the acknowledged name
// matched the head of the queue.
func (p *Playback) AckMark(name string) bool {
	if len(p.MarkQueue) == 0 {
		return false
	}
	head := p.MarkQueue[0]
	p.MarkQueue = p.MarkQueue[1:]
	return name == "" || head == name
}

func (p *Playback) Reset() {
	p.MarkQueue = nil
	p.LastAssistantTurnID = ""
	p.ResponseStartTimestampMS = nil
}

func (p Playback) Clone() Playback {
	out := p
	if p.ResponseStartTimestampMS != nil {
		v := *p.ResponseStartTimestampMS
		out.ResponseStartTimestampMS = &v
	}
	out.MarkQueue = append([]string(nil), p.MarkQueue...)
	return out
}

type Truncator interface {
	TruncateTurn(ctx context.Context, turnID string, elapsedMS int64) error
}

type Clearer interface {
	ClearAudio(ctx context.Context) error
}

type Decision struct {
	Marked    bool
	Truncated bool
	TurnID    string
	ElapsedMS int64
}

// Controller decides how to cut off an assistant utterance when the callee starts talking.
type Controller struct {
	AI    Truncator
	Phone Clearer
	Log   *convlog.Log
	// Notify receives the interruption marker after it is logged.
	Notify func(ctx context.Context, marker convlog.Turn)
}

// OnUserSpeechStarted logs an interruption marker whenever an assistant turn is known and
// truncates only while audio for it is still unacknowledged on the telephony leg.
// Playback is reset after a truncation even if one of the leg commands failed.
func (c *Controller) OnUserSpeechStarted(ctx context.Context, p *Playback) (Decision, error) {
	var d Decision
	if p == nil {
		return d, nil
	}
	d.TurnID = p.LastAssistantTurnID

	if p.LastAssistantTurnID != "" && c.Log != nil {
		marker := c.Log.AppendMarker(p.LastAssistantTurnID)
		d.Marked = true
		if c.Notify != nil {
			c.Notify(ctx, marker)
		}
	}

	if len(p.MarkQueue) == 0 || p.ResponseStartTimestampMS == nil || p.LastAssistantTurnID == "" {
		return d, nil
	}

	elapsed := p.LatestMediaTimestampMS - *p.ResponseStartTimestampMS
	if elapsed < 0 {
		elapsed = 0
	}
	d.Truncated = true
	d.ElapsedMS = elapsed

	var errs []error
	if c.AI != nil {
		if err := c.AI.TruncateTurn(ctx, p.LastAssistantTurnID, elapsed); err != nil {
			errs = append(errs, fmt.Errorf("truncate turn: %w", err))
		}
	}
	if c.Phone != nil {
		if err := c.Phone.ClearAudio(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear audio: %w", err))
		}
	}
	p.Reset()
	return d, errors.Join(errs...)
}

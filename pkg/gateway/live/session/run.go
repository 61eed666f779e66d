package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/events"
	"github.com/vango-go/vai-phone/pkg/gateway/live/command"
	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
	"github.com/vango-go/vai-phone/pkg/gateway/live/interrupt"
	"github.com/vango-go/vai-phone/pkg/gateway/live/realtime"
	"github.com/vango-go/vai-phone/pkg/gateway/live/relay"
	"github.com/vango-go/vai-phone/pkg/gateway/live/telephony"
)

type endKind int

const (
	endCompleted endKind = iota
	endFailed
)

// Run drives the session until it is finalized. Cancelling ctx ends the call.
func (s *CallSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.begin(ctx)
	phoneEvents := s.phone.Events()

	for !s.finished {
		select {
		case <-ctx.Done():
			s.finish(ctx, endCompleted, "shutdown", "", true)
			return ctx.Err()
		case msg, ok := <-phoneEvents:
			if !ok {
				phoneEvents = nil
				s.onPhoneClosed(ctx)
				continue
			}
			s.onPhone(ctx, msg)
		case ev := <-s.aiEvents:
			s.onAI(ctx, ev)
		case res := <-s.dials:
			s.onDial(ctx, res)
		case c := <-s.controls:
			s.onControl(ctx, c)
		case <-timerC(s.readyTimer):
			s.readyTimer = nil
			s.onReadyTimeout(ctx)
		case <-timerC(s.drainTimer):
			s.drainTimer = nil
			s.finish(ctx, endCompleted, "end_call", "", true)
		}
	}
	return nil
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *CallSession) begin(ctx context.Context) {
	if _, err := s.log.SetSystem(s.instructions); err != nil {
		s.logger.Warn("baseline instructions not recorded", "error", err)
	}
	s.setStatus(ctx, StatusStreaming)
	s.persist(ctx)
	s.publish(ctx, events.TypeSessionStart, map[string]any{
		"direction": string(s.direction),
		"from":      s.from,
		"to":        s.to,
		"voice":     s.currentVoice(),
	})
	s.connectAI(ctx)
}

func (s *CallSession) currentVoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// connectAI dials a new ai leg in the background. Results from earlier generations are
// discarded when they arrive.
func (s *CallSession) connectAI(ctx context.Context) {
	s.aiGen++
	gen := s.aiGen
	go func() {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.AIConnectTimeout)
		defer cancel()
		leg, err := s.dialAI(dctx)
		if err == nil && leg == nil {
			err = errors.New("dialer returned no connection")
		}
		select {
		case s.dials <- dialResult{gen: gen, leg: leg, err: err}:
		case <-s.done:
			if leg != nil {
				_ = leg.Close()
			}
		}
	}()
}

func (s *CallSession) pumpAI(gen uint64, leg AILeg) {
	for msg := range leg.Events() {
		select {
		case s.aiEvents <- aiEvent{gen: gen, msg: msg}:
		case <-s.done:
			return
		}
	}
	select {
	case s.aiEvents <- aiEvent{gen: gen, closed: true, reason: leg.FailureReason()}:
	case <-s.done:
	}
}

func (s *CallSession) closeAI() {
	if s.ai != nil {
		_ = s.ai.Close()
		s.ai = nil
	}
	s.aiGen++
	s.awaitingReady = false
	stopTimer(&s.readyTimer)
}

func (s *CallSession) onDial(ctx context.Context, res dialResult) {
	if res.gen != s.aiGen || s.finished {
		if res.leg != nil {
			_ = res.leg.Close()
		}
		return
	}
	if res.err != nil {
		s.failAI(ctx, fmt.Sprintf("ai leg connect failed: %v", res.err))
		return
	}
	s.ai = res.leg
	go s.pumpAI(res.gen, res.leg)

	if err := s.ai.InitializeSession(ctx, s.instructions, s.currentVoice()); err != nil {
		s.failAI(ctx, fmt.Sprintf("ai leg initialize failed: %v", err))
		return
	}
	if s.resume != nil {
		if err := s.replayHistory(ctx); err != nil {
			s.failAI(ctx, fmt.Sprintf("replay history failed: %v", err))
			return
		}
	}
	s.awaitingReady = true
	s.readyTimer = time.NewTimer(s.cfg.ReadyTimeout)
}

// replayHistory sends every non-system turn to the new leg in log order, then the
// operator's answer if one came with the resume.
func (s *CallSession) replayHistory(ctx context.Context) error {
	turns := s.log.ReplayTurns()
	for _, t := range turns {
		if err := s.ai.AppendHistoryTurn(ctx, string(t.Role), historyText(t)); err != nil {
			return err
		}
	}
	s.logger.Info("conversation replayed", "turns", len(turns))

	answer := strings.TrimSpace(s.resume.opts.OperatorAnswer)
	if answer == "" {
		return nil
	}
	note := s.log.AppendNote("Operator answer: " + answer)
	return s.ai.AppendHistoryTurn(ctx, string(note.Role), historyText(note))
}

func historyText(t convlog.Turn) string {
	switch t.Kind {
	case convlog.KindNote:
		return "[operator note] " + t.Content
	case convlog.KindMarker:
		return t.Content
	}
	if t.Truncated && t.TruncatedAtMS != nil {
		return fmt.Sprintf("%s [interrupted after %dms]", t.Content, *t.TruncatedAtMS)
	}
	return t.Content
}

func (s *CallSession) onReadyTimeout(ctx context.Context) {
	if !s.awaitingReady {
		return
	}
	s.failAI(ctx, "ai leg did not become ready in time")
}

// failAI ends the call as failed after the ai leg could not be established. A pending
// resume caller receives the same error.
func (s *CallSession) failAI(ctx context.Context, reason string) {
	s.logger.Error("ai leg failure", "reason", reason)
	if s.resume != nil {
		s.resume.reply <- errors.New(reason)
		s.resume = nil
	}
	s.finish(ctx, endFailed, "ai_leg_failure", reason, true)
}

func (s *CallSession) onAI(ctx context.Context, ev aiEvent) {
	if ev.gen != s.aiGen || s.finished {
		return
	}
	if ev.closed {
		s.onAIClosed(ctx, ev.reason)
		return
	}
	if ev.msg.Err != nil {
		s.logger.Warn("ai leg event rejected", "error", ev.msg.Err)
		return
	}

	switch e := ev.msg.Event.(type) {
	case realtime.SessionReady:
		s.onAIReady(ctx)
	case realtime.AudioDelta:
		s.onAudioDelta(ctx, e)
	case realtime.UserTranscriptCompleted:
		if e.Text == "" {
			return
		}
		turn := s.log.AppendUser(e.Text)
		s.publish(ctx, events.TypeTranscript, map[string]any{"role": string(turn.Role), "text": turn.Content, "turn_id": turn.ID})
	case realtime.AssistantTranscriptCompleted:
		s.onAssistantTranscript(ctx, e)
	case realtime.UserSpeechStarted:
		s.onUserSpeechStarted(ctx)
	case realtime.TurnTruncated:
		s.log.MarkTruncated(e.TurnID, e.ElapsedMS)
	case realtime.ToolCall:
		s.onToolCall(ctx, e)
	case realtime.Error:
		s.logger.Warn("ai leg reported error", "type", e.Type, "code", e.Code, "message", e.Message)
	case realtime.Ignored:
	default:
		s.logger.Warn("unhandled ai leg event", "type", ev.msg.Event.EventType())
	}
}

func (s *CallSession) onAIReady(ctx context.Context) {
	if !s.awaitingReady {
		return
	}
	s.awaitingReady = false
	stopTimer(&s.readyTimer)

	if err := s.relay.MarkReady(ctx, s.ai); err != nil {
		s.failAI(ctx, fmt.Sprintf("flush buffered audio failed: %v", err))
		return
	}
	s.relay.ResumeOutbound()

	if s.resume != nil {
		r := s.resume
		s.resume = nil
		answered := strings.TrimSpace(r.opts.OperatorAnswer) != ""
		s.mu.Lock()
		if answered {
			s.pendingQuestion = ""
		}
		s.mu.Unlock()
		s.setStatus(ctx, StatusActive)
		if answered {
			s.requestResponse(ctx)
		}
		s.publish(ctx, events.TypeResume, map[string]any{"voice": s.currentVoice(), "replayed_turns": len(s.log.ReplayTurns())})
		r.reply <- nil
		return
	}

	s.setStatus(ctx, StatusActive)
	if s.notesWhileDial > 0 {
		s.notesWhileDial = 0
		_ = s.sendContext(ctx, s.log.Summary(s.cfg.SummaryTurns, s.cfg.SummaryRunes), "")
	}
	if !s.greeted && s.direction == DirectionInbound {
		s.greeted = true
		s.requestResponse(ctx)
	}
}

func (s *CallSession) requestResponse(ctx context.Context) {
	if s.ai == nil {
		return
	}
	if err := s.ai.RequestResponse(ctx); err != nil {
		s.logger.Warn("request response failed", "error", err)
	}
}

func (s *CallSession) onAIClosed(ctx context.Context, reason string) {
	s.ai = nil
	if s.endRequested {
		s.finish(ctx, endCompleted, "ai_leg_closed", "", true)
		return
	}
	msg := "ai leg disconnected"
	if reason != "" {
		msg += ": " + reason
	}
	s.failAI(ctx, msg)
}

func (s *CallSession) onAudioDelta(ctx context.Context, e realtime.AudioDelta) {
	if s.Status() != StatusActive || len(e.Payload) == 0 {
		return
	}
	if err := s.relay.ForwardOutbound(ctx, e.Payload); err != nil {
		s.logger.Warn("forward assistant audio failed", "error", err)
		return
	}
	s.markSeq++
	mark := fmt.Sprintf("%s:%d", e.TurnID, s.markSeq)
	if err := s.phone.SendMark(ctx, mark); err != nil {
		s.logger.Warn("send mark failed", "error", err)
		return
	}
	s.mu.Lock()
	s.playback.ObserveAssistantAudio(e.TurnID)
	s.playback.EnqueueMark(mark)
	s.mu.Unlock()
}

func (s *CallSession) onAssistantTranscript(ctx context.Context, e realtime.AssistantTranscriptCompleted) {
	if e.Text == "" {
		return
	}
	turn := s.log.AppendAssistant(e.TurnID, e.Text)
	s.publish(ctx, events.TypeTranscript, map[string]any{
		"role":      string(turn.Role),
		"text":      turn.Content,
		"turn_id":   turn.ID,
		"truncated": turn.Truncated,
	})
}

func (s *CallSession) onToolCall(ctx context.Context, e realtime.ToolCall) {
	cmd, err := command.FromToolCall(e.CallID, e.Name, e.Arguments)
	if err != nil {
		s.logger.Warn("assistant tool call rejected", "tool", e.Name, "error", err)
		s.answerTool(ctx, e.CallID, err, true)
		return
	}
	s.runCommand(ctx, cmd)
}

// runCommand executes a call-control tool call. The tool is answered unless the command
// closed the ai leg; ending commands take effect after command_executed is published.
func (s *CallSession) runCommand(ctx context.Context, cmd command.Command) {
	s.logger.Info("assistant command", "command", string(cmd.Kind), "arg", cmd.Arg)
	var (
		err  error
		then func()
	)
	switch cmd.Kind {
	case command.KindEndCall:
		then = func() { s.endAfterPlayback(ctx) }
	case command.KindPressDigits:
		err = s.sendDigits(ctx, cmd.Arg)
	case command.KindRequestUser:
		err = s.hold(ctx, HoldOptions{Reason: "operator_assist", OperatorQuestion: cmd.Arg})
	case command.KindTransfer:
		if err = s.transferCall(ctx, cmd.Arg); err == nil {
			then = func() { s.finish(ctx, endCompleted, "transfer", "", false) }
		}
	}
	data := map[string]any{"command": string(cmd.Kind), "arg": cmd.Arg, "ok": err == nil}
	if err != nil {
		s.logger.Warn("assistant command failed", "command", string(cmd.Kind), "error", err)
		data["error"] = err.Error()
	}
	s.publish(ctx, events.TypeCommandExecuted, data)
	switch {
	case cmd.Kind == command.KindEndCall:
		s.answerTool(ctx, cmd.CallID, nil, false)
	case err != nil || then == nil:
		s.answerTool(ctx, cmd.CallID, err, true)
	}
	if then != nil {
		then()
	}
}

// answerTool reports a tool call's outcome to the live ai leg, optionally prompting it to
// carry on speaking.
func (s *CallSession) answerTool(ctx context.Context, callID string, result error, respond bool) {
	if s.ai == nil || callID == "" {
		return
	}
	output := `{"ok":true}`
	if result != nil {
		b, _ := json.Marshal(map[string]any{"ok": false, "error": result.Error()})
		output = string(b)
	}
	if err := s.ai.SendToolResult(ctx, callID, output); err != nil {
		s.logger.Warn("send tool result failed", "error", err)
		return
	}
	if respond {
		s.requestResponse(ctx)
	}
}

// endAfterPlayback ends the call once queued assistant audio has played, bounded by the
// drain timeout.
func (s *CallSession) endAfterPlayback(ctx context.Context) {
	s.endRequested = true
	s.mu.Lock()
	pending := len(s.playback.MarkQueue)
	s.mu.Unlock()
	if pending == 0 {
		s.finish(ctx, endCompleted, "end_call", "", true)
		return
	}
	s.endAfterDrain = true
	if s.drainTimer == nil {
		s.drainTimer = time.NewTimer(s.cfg.EndCallDrain)
	}
}

func (s *CallSession) onUserSpeechStarted(ctx context.Context) {
	if s.Status() != StatusActive {
		return
	}
	s.mu.Lock()
	p := s.playback.Clone()
	s.mu.Unlock()

	var marker *convlog.Turn
	c := interrupt.Controller{
		Phone: s.phone,
		Log:   s.log,
		Notify: func(_ context.Context, m convlog.Turn) {
			marker = &m
		},
	}
	if s.ai != nil {
		c.AI = s.ai
	}
	d, err := c.OnUserSpeechStarted(ctx, &p)

	s.mu.Lock()
	s.playback = p
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("interruption commands failed", "error", err)
	}
	if marker != nil {
		s.publish(ctx, events.TypeAssistantInterrupted, map[string]any{
			"turn_id":    d.TurnID,
			"truncated":  d.Truncated,
			"elapsed_ms": d.ElapsedMS,
		})
	}
	if d.Truncated && s.endAfterDrain {
		s.finish(ctx, endCompleted, "end_call", "", true)
	}
}

func (s *CallSession) onPhone(ctx context.Context, msg telephony.Message) {
	if msg.Err != nil {
		s.logger.Warn("telephony event rejected", "error", msg.Err)
		return
	}
	switch e := msg.Event.(type) {
	case telephony.Media:
		s.mu.Lock()
		s.playback.ObserveMedia(e.TimestampMS)
		s.mu.Unlock()
		if err := s.relay.ForwardInbound(ctx, e.Payload); err != nil {
			if errors.Is(err, relay.ErrBufferOverflow) {
				s.failAI(ctx, err.Error())
				return
			}
			s.logger.Warn("forward caller audio failed", "error", err)
		}
	case telephony.Mark:
		s.mu.Lock()
		matched := s.playback.AckMark(e.Name)
		drained := len(s.playback.MarkQueue) == 0
		s.mu.Unlock()
		if !matched {
			s.logger.Debug("mark acknowledged out of order", "mark", e.Name)
		}
		if drained && s.endAfterDrain {
			s.finish(ctx, endCompleted, "end_call", "", true)
		}
	case telephony.Stop:
		s.finish(ctx, endCompleted, "telephony_stop", "", false)
	case telephony.DTMF:
		s.logger.Info("caller pressed digit", "digit", e.Digit)
		s.publish(ctx, events.TypeDTMF, map[string]any{"digit": e.Digit})
	case telephony.Start:
		s.logger.Warn("duplicate start event ignored", "stream_sid", e.StreamSID)
	case telephony.Connected:
	default:
		s.logger.Warn("unhandled telephony event", "event", msg.Event.EventName())
	}
}

func (s *CallSession) onPhoneClosed(ctx context.Context) {
	if s.endRequested {
		s.finish(ctx, endCompleted, "telephony_closed", "", false)
		return
	}
	s.finish(ctx, endFailed, "telephony_closed", "telephony leg disconnected", false)
}

func (s *CallSession) onControl(ctx context.Context, c control) {
	if s.finished {
		c.reply <- ErrSessionClosed
		return
	}
	switch c.kind {
	case controlHangup:
		reason := c.reason
		if reason == "" {
			reason = "hangup"
		}
		s.finish(ctx, endCompleted, reason, "", true)
		c.reply <- nil
	case controlHold:
		c.reply <- s.hold(ctx, c.hold)
	case controlResume:
		if err := s.startResume(ctx, c.resume); err != nil {
			c.reply <- err
			return
		}
		// Reply is sent once the new leg is ready or has failed.
		s.resume = &pendingResume{opts: c.resume, reply: c.reply}
	case controlInject:
		c.reply <- s.injectContext(ctx, c.text)
	case controlDigits:
		c.reply <- s.sendDigits(ctx, c.text)
	case controlTransfer:
		if err := s.transferCall(ctx, c.text); err != nil {
			c.reply <- err
			return
		}
		s.finish(ctx, endCompleted, "transfer", "", false)
		c.reply <- nil
	}
}

// sendDigits plays DTMF tones to the far end. Digits are refused while the caller is on hold.
func (s *CallSession) sendDigits(ctx context.Context, digits string) error {
	if !telephony.ValidDigits(digits) {
		return ErrInvalidDigits
	}
	switch s.Status() {
	case StatusOnHold, StatusEnding:
		return ErrInvalidState
	}
	return s.phone.SendDigits(ctx, digits)
}

// transferCall asks the provider to redirect the call to target. The caller finalizes the
// session once this succeeds.
func (s *CallSession) transferCall(ctx context.Context, target string) error {
	if s.Status() == StatusEnding {
		return ErrInvalidState
	}
	if !transferTarget.MatchString(target) {
		return ErrInvalidTarget
	}
	if s.transfer == nil {
		return ErrNoTransfer
	}
	tctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.transfer.Transfer(tctx, s.id, target); err != nil {
		s.logger.Warn("call transfer failed", "target", target, "error", err)
		return fmt.Errorf("transfer call: %w", err)
	}
	s.logger.Info("call transferred", "target", target)
	s.publish(ctx, events.TypeSessionTransfer, map[string]any{"target": target})
	return nil
}

func (s *CallSession) hold(ctx context.Context, opts HoldOptions) error {
	if s.Status() != StatusActive {
		return ErrInvalidState
	}
	s.mu.Lock()
	if q := strings.TrimSpace(opts.OperatorQuestion); q != "" {
		s.pendingQuestion = q
	}
	s.playback.Reset()
	s.mu.Unlock()

	s.relay.Suspend()
	s.relay.PauseOutbound()
	s.closeAI()
	if err := s.phone.ClearAudio(ctx); err != nil {
		s.logger.Warn("clear audio on hold failed", "error", err)
	}
	s.setStatus(ctx, StatusOnHold)
	s.persist(ctx)
	s.startHoldAudio(ctx)

	reason := opts.Reason
	if reason == "" {
		reason = "operator"
	}
	s.publish(ctx, events.TypeHold, map[string]any{"reason": reason, "operator_question": opts.OperatorQuestion})
	return nil
}

func (s *CallSession) startResume(ctx context.Context, opts ResumeOptions) error {
	if s.Status() != StatusOnHold || s.resume != nil {
		return ErrInvalidState
	}
	if v := strings.TrimSpace(opts.Voice); v != "" {
		s.mu.Lock()
		s.voice = v
		s.mu.Unlock()
	}
	s.stopHoldAudio()
	if err := s.phone.ClearAudio(ctx); err != nil {
		s.logger.Warn("clear hold audio failed", "error", err)
	}
	s.relay.Rearm()
	s.connectAI(ctx)
	return nil
}

func (s *CallSession) injectContext(ctx context.Context, text string) error {
	status := s.Status()
	if status == StatusEnding {
		return ErrInvalidState
	}
	summary := s.log.Summary(s.cfg.SummaryTurns, s.cfg.SummaryRunes)
	note := s.log.AppendNote(text)
	s.publish(ctx, events.TypeContextInjected, map[string]any{"text": note.Content, "status": string(status)})

	switch {
	case status == StatusActive && s.ai != nil:
		return s.sendContext(ctx, summary, note.Content)
	case status == StatusOnHold && s.resume != nil && s.ai != nil:
		// The connecting leg has already been given the replay.
		s.persist(ctx)
		if err := s.ai.AppendHistoryTurn(ctx, string(note.Role), historyText(note)); err != nil {
			s.logger.Warn("forward note to resuming ai leg failed", "error", err)
			return fmt.Errorf("inject context: %w", err)
		}
	case status == StatusOnHold:
		s.persist(ctx)
	default:
		s.notesWhileDial++
	}
	return nil
}

// sendContext gives the live ai leg a compact view of the call so far, followed by the
// newest operator note when there is one.
func (s *CallSession) sendContext(ctx context.Context, summary, note string) error {
	if s.ai == nil {
		return nil
	}
	var b strings.Builder
	if summary != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(summary)
	}
	if note != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("New instruction from the operator: ")
		b.WriteString(note)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := s.ai.InjectContext(ctx, b.String()); err != nil {
		s.logger.Warn("inject context failed", "error", err)
		return fmt.Errorf("inject context: %w", err)
	}
	return nil
}

// finish finalizes the call exactly once.
func (s *CallSession) finish(ctx context.Context, kind endKind, reason, errMsg string, hangup bool) {
	if s.finished {
		return
	}
	s.finished = true
	s.endRequested = true
	ctx = context.WithoutCancel(ctx)

	s.setStatus(ctx, StatusEnding)
	stopTimer(&s.drainTimer)
	s.stopHoldAudio()
	s.closeAI()
	s.relay.Suspend()
	if s.resume != nil {
		s.resume.reply <- ErrSessionClosed
		s.resume = nil
	}

	if hangup {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
		if err := s.phone.Hangup(hctx); err != nil {
			s.logger.Warn("telephony hangup failed", "error", err)
		}
		cancel()
	}
	_ = s.phone.Close()

	final := StatusCompleted
	if kind == endFailed {
		final = StatusFailed
	}
	s.mu.Lock()
	s.endedAt = s.now()
	if errMsg != "" {
		s.errMsg = errMsg
	}
	duration := s.endedAt.Sub(s.startedAt).Seconds()
	s.mu.Unlock()

	s.setStatus(ctx, final)
	s.persist(ctx)
	s.publish(ctx, events.TypeSessionEnd, map[string]any{
		"status":           string(final),
		"reason":           reason,
		"duration_seconds": duration,
		"error":            errMsg,
	})
	s.logger.Info("call finalized", "status", string(final), "reason", reason, "duration_s", duration)
	close(s.done)
}

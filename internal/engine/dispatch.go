package engine

import (
	"fmt"

	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// onFrame reports the frame's level and sends it, or queues it while the
// connection is not open yet.
func (s *session) onFrame(frame []float32) {
	s.emitVolume(audio.RMS(frame))
	pcm := audio.Float32ToPCM16(frame)

	if s.conn == nil {
		if len(s.pending) >= s.e.pendingLimit {
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.e.metrics.FramesDropped.Add(s.ctx, 1)
		}
		s.pending = append(s.pending, pcm)
		return
	}
	s.send(pcm)
}

func (s *session) send(pcm []byte) {
	if err := s.conn.SendAudio(pcm); err != nil {
		s.log.Debug("engine: send audio frame", "err", err)
		return
	}
	s.e.metrics.FramesSent.Add(s.ctx, 1)
}

// ─── Inbound events ───────────────────────────────────────────────────────────

// dispatch handles one transport event. It reports true when the session
// must close.
func (s *session) dispatch(ev live.Event) (closeSession bool) {
	switch ev := ev.(type) {
	case live.AudioChunk:
		s.onChunk(ev.Data)
	case live.InputTranscript:
		s.inText.WriteString(ev.Text)
		s.emitTranscript(s.inText.String(), true, false)
	case live.OutputTranscript:
		s.outText.WriteString(ev.Text)
		s.emitTranscript(s.outText.String(), false, false)
	case live.TurnComplete:
		s.flushTranscripts()
	case live.Interrupted:
		s.interrupt()
	case live.ToolCall:
		return s.onToolCall(ev)
	default:
		s.log.Debug("engine: ignoring unknown event", "type", fmt.Sprintf("%T", ev))
	}
	return false
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// onChunk schedules a chunk directly after the previous one, or now if the
// output has already caught up.
func (s *session) onChunk(data []byte) {
	samples, err := audio.PCM16ToFloat32(data)
	if err != nil {
		s.log.Warn("engine: skipping malformed audio chunk", "err", err)
		s.e.metrics.ChunksSkipped.Add(s.ctx, 1)
		return
	}
	buf := audio.Buffer{Samples: samples, SampleRate: live.OutputSampleRate}

	start := max(s.out.Now(), s.nextStart)
	h, err := s.out.Schedule(buf, start)
	if err != nil {
		s.log.Warn("engine: skipping unschedulable audio chunk", "err", err)
		s.e.metrics.ChunksSkipped.Add(s.ctx, 1)
		return
	}
	s.nextStart = start + buf.Duration()
	s.e.metrics.ChunksScheduled.Add(s.ctx, 1)

	first := len(s.inflight) == 0
	id := s.nextID
	s.nextID++
	s.inflight[id] = h
	s.watch(id, h)
	if first {
		s.emitListening(false)
	}
}

// watch forwards the handle's completion to the loop.
func (s *session) watch(id uint64, h audio.Handle) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		select {
		case <-h.Done():
			select {
			case s.ended <- id:
			case <-s.quit:
			}
		case <-s.quit:
		}
	}()
}

// onHandleEnded removes a finished handle. Handles already discarded by an
// interruption are ignored.
func (s *session) onHandleEnded(id uint64) {
	if _, ok := s.inflight[id]; !ok {
		return
	}
	delete(s.inflight, id)
	if len(s.inflight) == 0 {
		s.emitListening(true)
	}
}

// interrupt drops the current model turn. The connection and microphone stay
// open.
func (s *session) interrupt() {
	for id, h := range s.inflight {
		h.Stop()
		delete(s.inflight, id)
	}
	s.nextStart = 0
	s.inText.Reset()
	s.outText.Reset()
	s.e.metrics.Interruptions.Add(s.ctx, 1)
	s.log.Debug("engine: model turn interrupted")
	s.emitInterrupted()
	s.emitListening(true)
}

// ─── Transcripts ──────────────────────────────────────────────────────────────

func (s *session) flushTranscripts() {
	if s.inText.Len() > 0 {
		s.emitTranscript(s.inText.String(), true, true)
		s.e.metrics.RecordFinalTranscript(s.ctx, true)
	}
	if s.outText.Len() > 0 {
		s.emitTranscript(s.outText.String(), false, true)
		s.e.metrics.RecordFinalTranscript(s.ctx, false)
	}
	s.inText.Reset()
	s.outText.Reset()
}

// ─── Tool calls ───────────────────────────────────────────────────────────────

func (s *session) onToolCall(call live.ToolCall) (closeSession bool) {
	if call.Name == CloseToolName {
		reason, _ := call.Args["reason"].(string)
		s.log.Info("engine: model requested close", "reason", reason)
		s.emitCloseRequested()
	}
	s.respond(call)
	return call.Name == CloseToolName
}

// respond sends the single answer owed to call.
func (s *session) respond(call live.ToolCall) {
	resp := live.ToolResponse{CallID: call.ID, Name: call.Name}
	status := "ok"
	if call.Name == CloseToolName {
		resp.Result = map[string]any{"result": "ok"}
	} else {
		status = "unknown"
		resp.Result = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
		s.log.Warn("engine: model called unknown tool", "tool", call.Name)
	}
	if err := s.conn.SendToolResponse(resp); err != nil {
		status = "error"
		s.log.Warn("engine: send tool response", "tool", call.Name, "call_id", call.ID, "err", err)
	}
	s.e.metrics.RecordToolCall(s.ctx, call.Name, status)
}

package server

import (
	"sync"

	"github.com/maxpert/amqp-engine/protocol"
)

// SentFrame is one method, with its content if any, sent to a client
type SentFrame struct {
	ChannelID uint16
	Method    protocol.Method
	Message   *protocol.Message
}

// RecordingOutput is an Output that keeps everything sent to it. It serves
// embedders that drain replies in batches, and tests.
type RecordingOutput struct {
	mu     sync.Mutex
	frames []SentFrame
	err    error
}

// NewRecordingOutput creates an empty output
func NewRecordingOutput() *RecordingOutput {
	return &RecordingOutput{}
}

// Send records a method
func (o *RecordingOutput) Send(channelID uint16, method protocol.Method) error {
	return o.record(SentFrame{ChannelID: channelID, Method: method})
}

// SendContent records a method carrying a message
func (o *RecordingOutput) SendContent(channelID uint16, method protocol.Method, msg *protocol.Message) error {
	return o.record(SentFrame{ChannelID: channelID, Method: method, Message: msg})
}

func (o *RecordingOutput) record(f SentFrame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.frames = append(o.frames, f)
	return nil
}

// FailWith makes every later send fail with err, as a dead transport would
func (o *RecordingOutput) FailWith(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// Frames returns a copy of everything recorded so far
func (o *RecordingOutput) Frames() []SentFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SentFrame(nil), o.frames...)
}

// Drain returns everything recorded so far and forgets it
func (o *RecordingOutput) Drain() []SentFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.frames
	o.frames = nil
	return out
}

// Methods returns the recorded methods sent on channelID
func (o *RecordingOutput) Methods(channelID uint16) []protocol.Method {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []protocol.Method
	for _, f := range o.frames {
		if f.ChannelID == channelID {
			out = append(out, f.Method)
		}
	}
	return out
}

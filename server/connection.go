package server

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/broker"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned for work submitted after the connection
// has been closed
var ErrConnectionClosed = errors.New("connection is closed")

// pollInterval bounds how long Run waits on an empty mailbox before it
// looks at its context again
const pollInterval = 100 * time.Millisecond

// Events posted to a connection's mailbox. Everything a channel does runs
// on the connection loop in response to one of these.
type (
	inboundMethod struct {
		channelID uint16
		method    protocol.Method
	}
	inboundHeader struct {
		channelID uint16
		header    *protocol.ContentHeader
	}
	inboundBody struct {
		channelID uint16
		body      []byte
	}
	workEvent         struct{ ch *Channel }
	completionEvent   struct{ ch *Channel }
	queueDeletedEvent struct {
		consumer *Consumer
		queue    *broker.Queue
	}
	queueFlowEvent struct {
		ch       *Channel
		queue    *broker.Queue
		overfull bool
	}
	publisherFlowEvent struct{ block bool }
	housekeepingEvent  struct{ now time.Time }
	shutdownEvent      struct{ reason string }
)

// Connection owns the channels of one client connection. All channel state
// is touched only from the connection loop (Handle*, ProcessEvents or Run);
// other goroutines reach it through the mailbox.
type Connection struct {
	id          string
	server      *Server
	output      protocol.Output
	token       auth.SecurityToken
	username    string
	logger      *zap.Logger
	mailbox     *protocol.Mailbox
	connectedAt time.Time

	channels map[uint16]*Channel
	// deleteTasks remove connection-exclusive queues when the connection ends
	deleteTasks []func()
	closed      bool

	channelCount atomic.Int32
	flowBlocked  atomic.Int32
	shut         atomic.Bool
}

func newConnection(s *Server, output protocol.Output, token auth.SecurityToken) *Connection {
	id := uuid.NewString()
	username := "anonymous"
	if p, ok := token.(*auth.Principal); ok {
		username = p.Username
	}
	return &Connection{
		id:          id,
		server:      s,
		output:      output,
		token:       token,
		username:    username,
		logger:      s.logger.With(zap.String("connection_id", id)),
		mailbox:     protocol.NewMailbox("connection-"+id, 64),
		connectedAt: time.Now(),
		channels:    make(map[uint16]*Channel),
	}
}

// ID returns the connection identifier
func (c *Connection) ID() string { return c.id }

// Username returns the authenticated user name
func (c *Connection) Username() string { return c.username }

// IsClosed reports whether the connection has shut down
func (c *Connection) IsClosed() bool { return c.shut.Load() }

// Channel returns an open channel
func (c *Connection) Channel(id uint16) (*Channel, bool) {
	ch, ok := c.channels[id]
	return ch, ok
}

// Info describes the connection for monitoring
func (c *Connection) Info() interfaces.ConnectionInfo {
	return interfaces.ConnectionInfo{
		ID:          c.id,
		Username:    c.username,
		VirtualHost: c.server.vhost.Name(),
		Channels:    int(c.channelCount.Load()),
		ConnectedAt: c.connectedAt,
	}
}

// Submit queues an inbound method for the connection loop. It is safe to
// call from the transport's reader goroutine.
func (c *Connection) Submit(channelID uint16, method protocol.Method) error {
	return c.mailbox.Post(inboundMethod{channelID: channelID, method: method})
}

// SubmitContentHeader queues an inbound content header
func (c *Connection) SubmitContentHeader(channelID uint16, header *protocol.ContentHeader) error {
	return c.mailbox.Post(inboundHeader{channelID: channelID, header: header})
}

// SubmitContentBody queues an inbound content body frame
func (c *Connection) SubmitContentBody(channelID uint16, body []byte) error {
	return c.mailbox.Post(inboundBody{channelID: channelID, body: body})
}

// BlockPublishers stops publishing on every channel of the connection
func (c *Connection) BlockPublishers() {
	c.post(publisherFlowEvent{block: true})
}

// UnblockPublishers lifts a BlockPublishers
func (c *Connection) UnblockPublishers() {
	c.post(publisherFlowEvent{block: false})
}

func (c *Connection) post(ev interface{}) {
	if err := c.mailbox.Post(ev); err != nil && !c.shut.Load() {
		c.logger.Debug("Dropping event for closed mailbox", zap.Error(err))
	}
}

// ProcessEvents runs every queued event and returns once the mailbox is
// empty. It returns the error that closed the connection, if one did.
func (c *Connection) ProcessEvents() error {
	for !c.closed {
		ev, ok := c.mailbox.TryTake()
		if !ok {
			return nil
		}
		if err := c.apply(ev); err != nil {
			return err
		}
	}
	return nil
}

// Run is the connection loop. It returns when ctx is done, the connection
// closes or an error closes it.
func (c *Connection) Run(ctx context.Context) error {
	for !c.closed {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		default:
		}
		ev, ok, err := c.mailbox.Take(pollInterval)
		if err != nil {
			return nil
		}
		if !ok {
			continue
		}
		if err := c.apply(ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) apply(ev interface{}) error {
	switch e := ev.(type) {
	case inboundMethod:
		return c.Handle(e.channelID, e.method)
	case inboundHeader:
		return c.HandleContentHeader(e.channelID, e.header)
	case inboundBody:
		return c.HandleContentBody(e.channelID, e.body)
	case workEvent:
		if c.owns(e.ch) {
			// no-ack deliveries leave already-finished dequeues behind
			e.ch.deliverPending()
			return c.handleError(e.ch, nil, e.ch.processCompletions(false))
		}
	case completionEvent:
		if c.owns(e.ch) {
			return c.handleError(e.ch, nil, e.ch.processCompletions(false))
		}
	case queueDeletedEvent:
		if ch := e.consumer.channel; c.owns(ch) {
			ch.consumerQueueDeleted(e.consumer, e.queue)
		}
	case queueFlowEvent:
		if c.owns(e.ch) {
			if e.overfull {
				e.ch.blockQueue(e.queue.Name())
			} else {
				e.ch.unblockQueue(e.queue.Name())
			}
		}
	case publisherFlowEvent:
		for _, ch := range c.activeChannels() {
			if e.block {
				ch.blockQueue(allQueues)
			} else {
				ch.unblockQueue(allQueues)
			}
		}
	case housekeepingEvent:
		return c.housekeep(e.now)
	case shutdownEvent:
		err := amqperrors.NewConnectionForced(c.id, e.reason)
		return c.handleError(nil, nil, err)
	default:
		c.logger.Warn("Unknown connection event", zap.Any("event", ev))
	}
	return nil
}

func (c *Connection) owns(ch *Channel) bool {
	return !c.closed && c.channels[ch.id] == ch && ch.state == channelActive
}

func (c *Connection) activeChannels() []*Channel {
	ids := make([]int, 0, len(c.channels))
	for id, ch := range c.channels {
		if ch.state == channelActive {
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)
	out := make([]*Channel, len(ids))
	for i, id := range ids {
		out[i] = c.channels[uint16(id)]
	}
	return out
}

// Handle runs one inbound method. The returned error is non-nil only when
// the method caused the connection to close.
func (c *Connection) Handle(channelID uint16, method protocol.Method) error {
	if c.closed {
		if _, ok := method.(*protocol.ConnectionCloseOKMethod); ok {
			return nil
		}
		return ErrConnectionClosed
	}

	switch m := method.(type) {
	case *protocol.ConnectionCloseMethod:
		c.handleConnectionClose(m)
		return nil
	case *protocol.ConnectionCloseOKMethod:
		c.Close()
		return nil
	case *protocol.ChannelOpenMethod:
		return c.handleError(nil, method, c.openChannel(channelID))
	}

	ch, ok := c.channels[channelID]
	if !ok {
		return c.handleError(nil, method, amqperrors.NewChannelNotOpen(channelID))
	}
	if ch.state != channelActive {
		c.handleClosingChannel(ch, method)
		return nil
	}

	err := ch.handle(method)
	if err == nil && ch.state == channelActive {
		err = ch.processCompletions(false)
	}
	return c.handleError(ch, method, err)
}

// HandleContentHeader runs the content header of a basic.publish
func (c *Connection) HandleContentHeader(channelID uint16, header *protocol.ContentHeader) error {
	if c.closed {
		return ErrConnectionClosed
	}
	ch, ok := c.channels[channelID]
	if !ok {
		return c.handleError(nil, nil, amqperrors.NewChannelNotOpen(channelID))
	}
	if ch.state != channelActive {
		return nil
	}
	err := ch.publishContentHeader(header)
	if err == nil {
		err = ch.processCompletions(false)
	}
	return c.handleError(ch, publishMethod, err)
}

// HandleContentBody runs one content body frame of a basic.publish
func (c *Connection) HandleContentBody(channelID uint16, body []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	ch, ok := c.channels[channelID]
	if !ok {
		return c.handleError(nil, nil, amqperrors.NewChannelNotOpen(channelID))
	}
	if ch.state != channelActive {
		return nil
	}
	err := ch.publishContentBody(body)
	if err == nil {
		err = ch.processCompletions(false)
	}
	return c.handleError(ch, publishMethod, err)
}

var publishMethod = &protocol.BasicPublishMethod{}

func (c *Connection) openChannel(id uint16) error {
	if id == 0 {
		return amqperrors.NewCommandInvalid("channel 0 is reserved for the connection", protocol.ClassChannel, protocol.ChannelOpen)
	}
	if _, exists := c.channels[id]; exists {
		return amqperrors.NewConnectionError(amqperrors.ChannelErrorCode, "channel already open", c.id)
	}

	ch := newChannel(c, id)
	ch.open()
	c.channels[id] = ch
	c.channelCount.Add(1)
	c.server.metrics.RecordChannelCreated()
	c.logger.Debug("Channel opened", zap.Uint16("channel_id", id))
	return c.send(id, &protocol.ChannelOpenOKMethod{})
}

// handleClosingChannel deals with methods arriving on a channel the server
// has closed and is waiting on close-ok for
func (c *Connection) handleClosingChannel(ch *Channel, method protocol.Method) {
	switch method.(type) {
	case *protocol.ChannelCloseOKMethod:
		c.removeChannel(ch)
	case *protocol.ChannelCloseMethod:
		c.send(ch.id, &protocol.ChannelCloseOKMethod{})
		c.removeChannel(ch)
	default:
		c.logger.Debug("Ignoring method on closing channel",
			zap.Uint16("channel_id", ch.id),
			zap.String("method", method.MethodName()))
	}
}

func (c *Connection) removeChannel(ch *Channel) {
	if c.channels[ch.id] != ch {
		return
	}
	delete(c.channels, ch.id)
	c.channelCount.Add(-1)
}

// handleError turns err into the reply its scope calls for. It returns err
// only when the connection was closed.
func (c *Connection) handleError(ch *Channel, method protocol.Method, err error) error {
	if err == nil {
		return nil
	}
	code, text := amqperrors.CodeAndText(err)
	var classID, methodID uint16
	if method != nil {
		classID, methodID = method.ClassID(), method.MethodID()
	}
	fields := []zap.Field{zap.Int("reply_code", code), zap.String("reply_text", text)}
	if ch != nil {
		fields = append(fields, zap.Uint16("channel_id", ch.id))
	}
	if method != nil {
		fields = append(fields, zap.String("method", method.MethodName()))
	}

	scope := amqperrors.ScopeOf(err)
	if ch == nil && scope != amqperrors.ScopeConnection {
		scope = amqperrors.ScopeConnection
	}

	switch scope {
	case amqperrors.ScopeRecoverable:
		c.logger.Debug("Command failed", fields...)
		c.send(ch.id, &protocol.CommandErrorMethod{
			ReplyCode: uint16(code),
			ReplyText: text,
			ClassId:   classID,
			MethodId:  methodID,
		})
		return nil
	case amqperrors.ScopeChannel:
		c.logger.Warn("Closing channel on error", fields...)
		c.server.metrics.RecordChannelError(code)
		ch.close()
		c.send(ch.id, &protocol.ChannelCloseMethod{
			ReplyCode: uint16(code),
			ReplyText: text,
			ClassId:   classID,
			MethodId:  methodID,
		})
		return nil
	default:
		c.logger.Error("Closing connection on error", append(fields, zap.Error(err))...)
		c.server.metrics.RecordConnectionError(code)
		c.closeChannels()
		c.send(0, &protocol.ConnectionCloseMethod{
			ReplyCode: uint16(code),
			ReplyText: text,
			ClassId:   classID,
			MethodId:  methodID,
		})
		c.shutdown()
		return err
	}
}

func (c *Connection) handleConnectionClose(m *protocol.ConnectionCloseMethod) {
	c.logger.Info("Client closed connection",
		zap.Uint16("reply_code", m.ReplyCode),
		zap.String("reply_text", m.ReplyText))
	c.closeChannels()
	c.send(0, &protocol.ConnectionCloseOKMethod{})
	c.shutdown()
}

// Close tears the connection down without telling the client, as when the
// transport has gone away. A second call does nothing.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closeChannels()
	c.shutdown()
}

func (c *Connection) closeChannels() {
	for _, ch := range c.activeChannels() {
		ch.close()
	}
	for _, ch := range c.channels {
		c.removeChannel(ch)
	}
}

func (c *Connection) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.shut.Store(true)

	tasks := c.deleteTasks
	c.deleteTasks = nil
	for _, task := range tasks {
		task()
	}

	c.mailbox.Close()
	c.server.removeConnection(c)
	c.server.metrics.RecordConnectionClosed()
	c.logger.Info("Connection closed")
}

func (c *Connection) addDeleteTask(task func()) {
	c.deleteTasks = append(c.deleteTasks, task)
}

// send writes a method to the client. Transport errors are logged; the
// transport reports a dead peer by closing the connection itself.
func (c *Connection) send(channelID uint16, method protocol.Method) error {
	if err := c.output.Send(channelID, method); err != nil {
		c.logger.Warn("Failed to send method",
			zap.Uint16("channel_id", channelID),
			zap.String("method", method.MethodName()),
			zap.Error(err))
		return err
	}
	return nil
}

func (c *Connection) sendContent(channelID uint16, method protocol.Method, msg *protocol.Message) error {
	if err := c.output.SendContent(channelID, method, msg); err != nil {
		c.logger.Warn("Failed to send content",
			zap.Uint16("channel_id", channelID),
			zap.String("method", method.MethodName()),
			zap.Error(err))
		return err
	}
	return nil
}

// housekeep enforces the time-based limits of every channel
func (c *Connection) housekeep(now time.Time) error {
	for _, ch := range c.activeChannels() {
		if err := ch.checkFlowEnforcement(); err != nil {
			return c.handleError(ch, nil, err)
		}
		if err := ch.checkTransactionTimeout(now); err != nil {
			return c.handleError(ch, nil, err)
		}
	}
	return nil
}

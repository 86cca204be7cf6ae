package server

import (
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

// handle dispatches one method received on an active channel
func (ch *Channel) handle(method protocol.Method) error {
	if m, ok := method.(*protocol.ChannelCloseMethod); ok {
		return ch.handleClose(m)
	}
	if ch.publishing != nil {
		ch.publishing = nil
		return amqperrors.NewUnexpectedFrame("expected content for basic.publish, got " + method.MethodName())
	}

	switch m := method.(type) {
	case *protocol.ChannelFlowMethod:
		return ch.handleFlow(m)
	case *protocol.ChannelFlowOKMethod:
		ch.logger.Debug("Client acknowledged channel flow", zap.Bool("active", m.Active))
		return nil

	case *protocol.ExchangeDeclareMethod:
		return ch.exchangeDeclare(m)
	case *protocol.ExchangeDeleteMethod:
		return ch.exchangeDelete(m)
	case *protocol.ExchangeBindMethod:
		return ch.exchangeBind(m)
	case *protocol.ExchangeUnbindMethod:
		return ch.exchangeUnbind(m)

	case *protocol.QueueDeclareMethod:
		return ch.queueDeclare(m)
	case *protocol.QueueBindMethod:
		return ch.queueBind(m)
	case *protocol.QueueUnbindMethod:
		return ch.queueUnbind(m)
	case *protocol.QueuePurgeMethod:
		return ch.queuePurge(m)
	case *protocol.QueueDeleteMethod:
		return ch.queueDelete(m)

	case *protocol.BasicQosMethod:
		return ch.qos(m)
	case *protocol.BasicConsumeMethod:
		return ch.consume(m)
	case *protocol.BasicCancelMethod:
		return ch.cancel(m)
	case *protocol.BasicPublishMethod:
		return ch.publish(m)
	case *protocol.BasicGetMethod:
		return ch.get(m)
	case *protocol.BasicAckMethod:
		return ch.ack(m)
	case *protocol.BasicRejectMethod:
		return ch.reject(m)
	case *protocol.BasicNackMethod:
		return ch.nack(m)
	case *protocol.BasicRecoverMethod:
		return ch.recover(m.Requeue, true)
	case *protocol.BasicRecoverAsyncMethod:
		return ch.recover(m.Requeue, false)

	case *protocol.TxSelectMethod:
		return ch.txSelect()
	case *protocol.TxCommitMethod:
		return ch.txCommit()
	case *protocol.TxRollbackMethod:
		return ch.txRollback()

	default:
		return amqperrors.NewCommandInvalid("unexpected method "+method.MethodName(),
			method.ClassID(), method.MethodID())
	}
}

func (ch *Channel) handleClose(m *protocol.ChannelCloseMethod) error {
	ch.logger.Debug("Client closed channel",
		zap.Uint16("reply_code", m.ReplyCode),
		zap.String("reply_text", m.ReplyText))
	ch.close()
	ch.conn.removeChannel(ch)
	ch.conn.send(ch.id, &protocol.ChannelCloseOKMethod{})
	return nil
}

// handleFlow pauses or resumes deliveries at the client's request
func (ch *Channel) handleFlow(m *protocol.ChannelFlowMethod) error {
	ch.suspended = !m.Active
	ch.logger.Debug("Client channel flow", zap.Bool("active", m.Active))
	ch.send(&protocol.ChannelFlowOKMethod{Active: m.Active})
	if m.Active {
		ch.notifyWork()
	}
	return nil
}

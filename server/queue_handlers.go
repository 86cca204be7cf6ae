package server

import (
	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

func (ch *Channel) queueDeclare(m *protocol.QueueDeclareMethod) error {
	var q *broker.Queue
	if m.Passive {
		var err error
		if q, err = ch.resolveQueue(m.Queue, "queue.declare"); err != nil {
			return err
		}
		if err := q.CheckAccess(ch.owner(), "queue.declare"); err != nil {
			return err
		}
	} else {
		name := m.Queue
		if name == "" {
			name = broker.GenerateQueueName()
		}
		if err := ch.conn.token.Authorise(auth.OpConfigure, name); err != nil {
			return err
		}
		exclusivity := broker.ExclusivityNone
		if m.Exclusive {
			exclusivity = broker.ExclusivityConnection
		}
		declared, created, err := ch.vhost.DeclareQueue(broker.QueueSettings{
			Name:                    name,
			Durable:                 m.Durable,
			AutoDelete:              m.AutoDelete,
			Exclusivity:             exclusivity,
			Owner:                   ch.owner(),
			Arguments:               m.Arguments,
			DefaultMaxDeliveryCount: ch.config.DefaultMaxDeliveryCount,
		})
		if err != nil {
			return err
		}
		q = declared
		if created {
			ch.queueCreated(q)
		}
	}

	ch.defaultQueue = q
	if !m.NoWait {
		ch.send(&protocol.QueueDeclareOKMethod{
			Queue:         q.Name(),
			MessageCount:  uint32(q.MessageCount()),
			ConsumerCount: uint32(q.ConsumerCount()),
		})
	}
	return nil
}

// queueCreated ties an exclusive queue's lifetime to its owning session or
// connection
func (ch *Channel) queueCreated(q *broker.Queue) {
	ch.metrics.RecordQueueDeclared()
	ch.logger.Info("Queue declared",
		zap.String("queue", q.Name()),
		zap.Bool("durable", q.IsDurable()),
		zap.String("exclusivity", q.Exclusivity().String()))

	task := ch.exclusiveDeleteTask(q)
	switch q.Exclusivity() {
	case broker.ExclusivityConnection:
		ch.conn.addDeleteTask(task)
	case broker.ExclusivitySession:
		ch.addDeleteTask(task)
	}
}

func (ch *Channel) exclusiveDeleteTask(q *broker.Queue) func() {
	vhost := ch.vhost
	metrics := ch.metrics
	logger := ch.logger
	return func() {
		if q.IsDeleted() {
			return
		}
		if _, err := vhost.DeleteQueue(q.Name(), false, false); err != nil {
			logger.Debug("Exclusive queue already gone", zap.String("queue", q.Name()), zap.Error(err))
			return
		}
		metrics.RecordQueueDeleted()
		metrics.DeleteQueueMetrics(q.Name(), vhost.Name())
		logger.Debug("Deleted exclusive queue with its owner", zap.String("queue", q.Name()))
	}
}

func (ch *Channel) queueBind(m *protocol.QueueBindMethod) error {
	q, err := ch.resolveQueue(m.Queue, "queue.bind")
	if err != nil {
		return err
	}
	if err := q.CheckAccess(ch.owner(), "queue.bind"); err != nil {
		return err
	}
	if err := ch.conn.token.Authorise(auth.OpWrite, q.Name()); err != nil {
		return err
	}
	if err := ch.conn.token.Authorise(auth.OpRead, m.Exchange); err != nil {
		return err
	}

	key := m.RoutingKey
	if key == "" && m.Queue == "" {
		key = q.Name()
	}
	created, err := ch.vhost.BindQueue(m.Exchange, q.Name(), key, m.Arguments)
	if err != nil {
		return err
	}
	ch.logger.Debug("Queue bound",
		zap.String("queue", q.Name()),
		zap.String("exchange", m.Exchange),
		zap.String("routing_key", key),
		zap.Bool("new_binding", created))
	if !m.NoWait {
		ch.send(&protocol.QueueBindOKMethod{})
	}
	return nil
}

func (ch *Channel) queueUnbind(m *protocol.QueueUnbindMethod) error {
	q, err := ch.resolveQueue(m.Queue, "queue.unbind")
	if err != nil {
		return err
	}
	if err := q.CheckAccess(ch.owner(), "queue.unbind"); err != nil {
		return err
	}
	if err := ch.conn.token.Authorise(auth.OpWrite, q.Name()); err != nil {
		return err
	}
	if err := ch.vhost.UnbindQueue(m.Exchange, q.Name(), m.RoutingKey); err != nil {
		return err
	}
	ch.send(&protocol.QueueUnbindOKMethod{})
	return nil
}

func (ch *Channel) queuePurge(m *protocol.QueuePurgeMethod) error {
	q, err := ch.resolveQueue(m.Queue, "queue.purge")
	if err != nil {
		return err
	}
	if err := q.CheckAccess(ch.owner(), "queue.purge"); err != nil {
		return err
	}
	if err := ch.conn.token.Authorise(auth.OpRead, q.Name()); err != nil {
		return err
	}
	n, err := ch.vhost.PurgeQueue(q.Name())
	if err != nil {
		return err
	}
	ch.logger.Debug("Queue purged", zap.String("queue", q.Name()), zap.Int("messages", n))
	if !m.NoWait {
		ch.send(&protocol.QueuePurgeOKMethod{MessageCount: uint32(n)})
	}
	return nil
}

func (ch *Channel) queueDelete(m *protocol.QueueDeleteMethod) error {
	q, err := ch.resolveQueue(m.Queue, "queue.delete")
	if err != nil {
		return err
	}
	if err := q.CheckAccess(ch.owner(), "queue.delete"); err != nil {
		return err
	}
	if err := ch.conn.token.Authorise(auth.OpConfigure, q.Name()); err != nil {
		return err
	}
	n, err := ch.vhost.DeleteQueue(q.Name(), m.IfUnused, m.IfEmpty)
	if err != nil {
		return err
	}
	ch.metrics.RecordQueueDeleted()
	ch.metrics.DeleteQueueMetrics(q.Name(), ch.vhost.Name())
	if ch.defaultQueue == q {
		ch.defaultQueue = nil
	}
	ch.logger.Info("Queue deleted", zap.String("queue", q.Name()), zap.Int("messages", n))
	if !m.NoWait {
		ch.send(&protocol.QueueDeleteOKMethod{MessageCount: uint32(n)})
	}
	return nil
}

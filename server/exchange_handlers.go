package server

import (
	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/broker"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

func (ch *Channel) exchangeDeclare(m *protocol.ExchangeDeclareMethod) error {
	if m.Passive {
		if _, ok := ch.vhost.GetExchange(m.Exchange); !ok {
			return amqperrors.NewExchangeNotFound(m.Exchange, "exchange.declare")
		}
		if !m.NoWait {
			ch.send(&protocol.ExchangeDeclareOKMethod{})
		}
		return nil
	}

	typ, err := broker.ParseExchangeType(m.Type)
	if err != nil {
		return amqperrors.NewCommandInvalid(err.Error(), protocol.ClassExchange, protocol.ExchangeDeclare)
	}
	if err := ch.conn.token.Authorise(auth.OpConfigure, m.Exchange); err != nil {
		return err
	}
	_, created, err := ch.vhost.DeclareExchange(broker.ExchangeSettings{
		Name:       m.Exchange,
		Type:       typ,
		Durable:    m.Durable,
		AutoDelete: m.AutoDelete,
		Internal:   m.Internal,
		Arguments:  m.Arguments,
	})
	if err != nil {
		return err
	}
	if created {
		ch.metrics.RecordExchangeDeclared()
		ch.logger.Info("Exchange declared",
			zap.String("exchange", m.Exchange),
			zap.String("type", typ.String()),
			zap.Bool("durable", m.Durable))
	}
	if !m.NoWait {
		ch.send(&protocol.ExchangeDeclareOKMethod{})
	}
	return nil
}

func (ch *Channel) exchangeDelete(m *protocol.ExchangeDeleteMethod) error {
	if err := ch.conn.token.Authorise(auth.OpConfigure, m.Exchange); err != nil {
		return err
	}
	if err := ch.vhost.DeleteExchange(m.Exchange, m.IfUnused); err != nil {
		return err
	}
	ch.metrics.RecordExchangeDeleted()
	ch.logger.Info("Exchange deleted", zap.String("exchange", m.Exchange))
	if !m.NoWait {
		ch.send(&protocol.ExchangeDeleteOKMethod{})
	}
	return nil
}

func (ch *Channel) exchangeBind(m *protocol.ExchangeBindMethod) error {
	if err := ch.authoriseExchangeBinding(m.Destination, m.Source); err != nil {
		return err
	}
	created, err := ch.vhost.BindExchange(m.Destination, m.Source, m.RoutingKey, m.Arguments)
	if err != nil {
		return err
	}
	ch.logger.Debug("Exchange bound",
		zap.String("destination", m.Destination),
		zap.String("source", m.Source),
		zap.String("routing_key", m.RoutingKey),
		zap.Bool("new_binding", created))
	if !m.NoWait {
		ch.send(&protocol.ExchangeBindOKMethod{})
	}
	return nil
}

func (ch *Channel) exchangeUnbind(m *protocol.ExchangeUnbindMethod) error {
	if err := ch.authoriseExchangeBinding(m.Destination, m.Source); err != nil {
		return err
	}
	if err := ch.vhost.UnbindExchange(m.Destination, m.Source, m.RoutingKey); err != nil {
		return err
	}
	if !m.NoWait {
		ch.send(&protocol.ExchangeUnbindOKMethod{})
	}
	return nil
}

func (ch *Channel) authoriseExchangeBinding(destination, source string) error {
	if err := ch.conn.token.Authorise(auth.OpWrite, destination); err != nil {
		return err
	}
	return ch.conn.token.Authorise(auth.OpRead, source)
}

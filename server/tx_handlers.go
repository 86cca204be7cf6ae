package server

import (
	"time"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/transaction"
	"go.uber.org/zap"
)

// txSelect puts the channel in transactional mode. Publishes and
// acknowledgements from here on wait for tx.commit.
func (ch *Channel) txSelect() error {
	if ch.local != nil && ch.local.Open() {
		return amqperrors.NewTransactionAlreadyOpen(ch.id)
	}
	if ch.local == nil {
		ch.local = transaction.NewLocalTransaction(ch.store, ch.conn.server.txStats, ch.logger,
			transaction.WithFlowToDiskThreshold(ch.config.MaxUncommittedInMemorySize))
		ch.txn = ch.local
		ch.logger.Debug("Channel switched to transactional mode")
	}
	ch.send(&protocol.TxSelectOKMethod{})
	return nil
}

// txCommit starts the store commit. commit-ok is sent from the completion
// queue once the store confirms, ahead of the post-commit work.
func (ch *Channel) txCommit() error {
	if ch.local == nil {
		return amqperrors.NewNotTransactional(ch.id, "tx.commit")
	}
	if err := ch.processCompletions(true); err != nil {
		return err
	}
	pc := ch.local.CommitAsync(func() {
		ch.send(&protocol.TxCommitOKMethod{})
		ch.metrics.RecordTransactionCommitted()
	})
	ch.addCompletion(pc.Future(), func(error) error {
		return pc.Complete()
	})
	return nil
}

// txRollback discards the open transaction. Acknowledgements it held are
// resent to their consumers.
func (ch *Channel) txRollback() error {
	if ch.local == nil {
		return amqperrors.NewNotTransactional(ch.id, "tx.rollback")
	}
	if err := ch.processCompletions(true); err != nil {
		return err
	}
	ch.publishing = nil
	ch.local.Rollback()
	ch.metrics.RecordTransactionRolledback()
	ch.send(&protocol.TxRollbackOKMethod{})
	ch.resendRolledBack()
	return nil
}

// resendRolledBack redelivers deliveries whose acknowledgement was rolled
// back to the consumers that held them. Credit is charged regardless of
// the limits; those consumers had the messages before.
func (ch *Channel) resendRolledBack() {
	entries := ch.rolledBack
	ch.rolledBack = nil
	for _, e := range entries {
		c, attached := ch.attachedConsumer(e.Consumer)
		if !attached || ch.state != channelActive {
			e.Instance.Release()
			continue
		}
		e.Instance.SetRedelivered()
		if e.UsesCredit {
			c.forceCredit(e.Size)
		}
		ch.deliver(c, e.Instance, e.UsesCredit)
	}
	ch.notifyWork()
}

// checkTransactionTimeout warns about, then closes, transactions held open
// past the configured limits
func (ch *Channel) checkTransactionTimeout(now time.Time) error {
	if ch.local == nil || !ch.local.Open() {
		return nil
	}
	openedAt := ch.local.OpenedAt()
	age := now.Sub(openedAt)

	if limit := ch.config.TransactionTimeoutOpenClose; limit > 0 && age > limit {
		return amqperrors.NewTransactionTimeout(ch.conn.id, ch.id)
	}
	if limit := ch.config.TransactionTimeoutOpenWarn; limit > 0 && age > limit && !ch.txWarnedAt.Equal(openedAt) {
		ch.txWarnedAt = openedAt
		ch.logger.Warn("Transaction open for too long",
			zap.Duration("open_for", age),
			zap.Duration("warn_after", limit))
	}
	return nil
}

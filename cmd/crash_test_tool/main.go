package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/server"
	"go.uber.org/zap"
)

// The tool drives the engine in-process against a badger directory. publish
// writes durable messages and exits without closing the store, as a crash
// would; verify opens the same directory, recovers and drains the queue.
func main() {
	publishCmd := flag.NewFlagSet("publish", flag.ExitOnError)
	publishCount := publishCmd.Int("count", 1000, "number of messages to publish")
	publishQueue := publishCmd.String("queue", "crash_test_queue", "queue name")
	publishDir := publishCmd.String("data", "./crash-data", "badger data directory")
	publishTx := publishCmd.Int("tx-batch", 0, "commit every n messages in a transaction (0 disables)")

	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	verifyCount := verifyCmd.Int("count", 1000, "expected number of messages")
	verifyQueue := verifyCmd.String("queue", "crash_test_queue", "queue name")
	verifyDir := verifyCmd.String("data", "./crash-data", "badger data directory")

	if len(os.Args) < 2 {
		fmt.Println("Usage: crash_test_tool [publish|verify] [options]")
		fmt.Println("\nPublish messages, then exit without a clean shutdown:")
		fmt.Println("  crash_test_tool publish --count 1000 --queue test_queue --data ./crash-data")
		fmt.Println("\nVerify recovery:")
		fmt.Println("  crash_test_tool verify --count 1000 --queue test_queue --data ./crash-data")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "publish":
		publishCmd.Parse(os.Args[2:])
		if err := publishMessages(*publishDir, *publishQueue, *publishCount, *publishTx); err != nil {
			log.Fatalf("Publish failed: %v", err)
		}
		// No Stop, no store Close
		os.Exit(0)
	case "verify":
		verifyCmd.Parse(os.Args[2:])
		if err := verifyRecovery(*verifyDir, *verifyQueue, *verifyCount); err != nil {
			log.Fatalf("Verify failed: %v", err)
		}
	default:
		fmt.Println("Unknown command:", os.Args[1])
		fmt.Println("Use 'publish' or 'verify'")
		os.Exit(1)
	}
}

// client is a minimal in-process session on one engine connection
type client struct {
	conn *server.Connection
	out  *server.RecordingOutput
}

func openClient(dir string) (*server.Server, *client, error) {
	srv, err := server.NewServerBuilder().
		WithLogger(zap.NewNop()).
		WithBadgerStorage(dir).
		Build()
	if err != nil {
		return nil, nil, err
	}
	recovered, err := srv.Recover()
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("Recovered %d messages from %s\n", recovered, dir)

	out := server.NewRecordingOutput()
	conn, err := srv.NewConnection(out, nil)
	if err != nil {
		return nil, nil, err
	}
	c := &client{conn: conn, out: out}
	if err := c.call(&protocol.ChannelOpenMethod{}); err != nil {
		return nil, nil, err
	}
	return srv, c, nil
}

func (c *client) call(method protocol.Method) error {
	if err := c.conn.Handle(1, method); err != nil {
		return err
	}
	if err := c.conn.ProcessEvents(); err != nil {
		return err
	}
	return c.checkClosed()
}

// checkClosed reports a channel or connection close sent by the engine
func (c *client) checkClosed() error {
	for _, m := range c.out.Methods(0) {
		if cc, ok := m.(*protocol.ConnectionCloseMethod); ok {
			return fmt.Errorf("connection closed: %d %s", cc.ReplyCode, cc.ReplyText)
		}
	}
	for _, m := range c.out.Methods(1) {
		if cc, ok := m.(*protocol.ChannelCloseMethod); ok {
			return fmt.Errorf("channel closed: %d %s", cc.ReplyCode, cc.ReplyText)
		}
	}
	return nil
}

func (c *client) publish(queue string, body []byte) error {
	if err := c.conn.Handle(1, &protocol.BasicPublishMethod{RoutingKey: queue}); err != nil {
		return err
	}
	header := &protocol.ContentHeader{
		ClassID:  protocol.ClassBasic,
		BodySize: uint64(len(body)),
		Properties: protocol.Properties{
			DeliveryMode: protocol.DeliveryModePersistent,
			ContentType:  "text/plain",
		},
	}
	if err := c.conn.HandleContentHeader(1, header); err != nil {
		return err
	}
	if err := c.conn.HandleContentBody(1, body); err != nil {
		return err
	}
	return c.checkClosed()
}

// sync waits for every store commit the channel has outstanding
func (c *client) sync() error {
	ch, ok := c.conn.Channel(1)
	if !ok {
		return fmt.Errorf("channel 1 is gone")
	}
	return ch.Sync()
}

func publishMessages(dir, queueName string, count, txBatch int) error {
	_, c, err := openClient(dir)
	if err != nil {
		return err
	}
	if err := c.call(&protocol.QueueDeclareMethod{Queue: queueName, Durable: true}); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if txBatch > 0 {
		if err := c.call(&protocol.TxSelectMethod{}); err != nil {
			return err
		}
	}

	start := time.Now()
	for i := 1; i <= count; i++ {
		body := fmt.Sprintf("crash test message %d", i)
		if err := c.publish(queueName, []byte(body)); err != nil {
			return fmt.Errorf("failed to publish message %d: %w", i, err)
		}
		if txBatch > 0 && (i%txBatch == 0 || i == count) {
			if err := c.call(&protocol.TxCommitMethod{}); err != nil {
				return fmt.Errorf("commit after message %d: %w", i, err)
			}
		}
		if i%1000 == 0 || i == count {
			c.out.Drain()
			rate := float64(i) / time.Since(start).Seconds()
			fmt.Printf("\rPublishing %d/%d messages (%.0f msg/s)...", i, count, rate)
		}
	}
	fmt.Println()

	if err := c.sync(); err != nil {
		return fmt.Errorf("store commit failed: %w", err)
	}
	elapsed := time.Since(start)
	fmt.Printf("✓ Published %d durable messages in %v (%.0f msg/s)\n",
		count, elapsed, float64(count)/elapsed.Seconds())
	return nil
}

func verifyRecovery(dir, queueName string, expectedCount int) error {
	srv, c, err := openClient(dir)
	if err != nil {
		return err
	}
	defer srv.Store().Close()

	q, ok := srv.VirtualHost().GetQueue(queueName)
	if !ok {
		return fmt.Errorf("queue %s was not recovered", queueName)
	}
	if got := q.MessageCount(); got != expectedCount {
		return fmt.Errorf("expected %d messages, recovered %d", expectedCount, got)
	}

	fmt.Printf("Checking recovery by draining the queue...\n")
	start := time.Now()
	for i := 1; i <= expectedCount; i++ {
		if err := c.call(&protocol.BasicGetMethod{Queue: queueName}); err != nil {
			return err
		}
		frames := c.out.Drain()
		var getOK *protocol.BasicGetOKMethod
		var msg *protocol.Message
		for _, f := range frames {
			if m, ok := f.Method.(*protocol.BasicGetOKMethod); ok {
				getOK, msg = m, f.Message
			}
		}
		if getOK == nil {
			return fmt.Errorf("queue empty after %d messages", i-1)
		}
		want := fmt.Sprintf("crash test message %d", i)
		if string(msg.Body) != want {
			return fmt.Errorf("message %d out of order: got %q", i, msg.Body)
		}
		if err := c.call(&protocol.BasicAckMethod{DeliveryTag: getOK.DeliveryTag}); err != nil {
			return fmt.Errorf("failed to ack message %d: %w", i, err)
		}
		if i%100 == 0 || i == expectedCount {
			fmt.Printf("\rVerified %d/%d messages...", i, expectedCount)
		}
	}
	fmt.Println()
	if err := c.sync(); err != nil {
		return err
	}

	fmt.Printf("✓ Verified %d messages in %v\n", expectedCount, time.Since(start))
	fmt.Printf("✓ Recovery successful: every message was restored in publish order\n")
	return nil
}

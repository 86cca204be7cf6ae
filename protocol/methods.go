package protocol

// Class IDs
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassTx         = 90
)

// Method IDs for connection class
const (
	ConnectionClose   = 50
	ConnectionCloseOK = 51
)

// Method IDs for channel class
const (
	ChannelOpen    = 10
	ChannelOpenOK  = 11
	ChannelFlow    = 20
	ChannelFlowOK  = 21
	ChannelClose   = 40
	ChannelCloseOK = 41
)

// Method IDs for exchange class
const (
	ExchangeDeclare   = 10
	ExchangeDeclareOK = 11
	ExchangeDelete    = 20
	ExchangeDeleteOK  = 21
	ExchangeBind      = 30
	ExchangeBindOK    = 31
	ExchangeUnbind    = 40
	ExchangeUnbindOK  = 51
)

// Method IDs for queue class
const (
	QueueDeclare   = 10
	QueueDeclareOK = 11
	QueueBind      = 20
	QueueBindOK    = 21
	QueuePurge     = 30
	QueuePurgeOK   = 31
	QueueDelete    = 40
	QueueDeleteOK  = 41
	QueueUnbind    = 50
	QueueUnbindOK  = 51
)

// Method IDs for basic class
const (
	BasicQos          = 10
	BasicQosOK        = 11
	BasicConsume      = 20
	BasicConsumeOK    = 21
	BasicCancel       = 30
	BasicCancelOK     = 31
	BasicPublish      = 40
	BasicReturn       = 50
	BasicDeliver      = 60
	BasicGet          = 70
	BasicGetOK        = 71
	BasicGetEmpty     = 72
	BasicAck          = 80
	BasicReject       = 90
	BasicRecoverAsync = 100
	BasicRecover      = 110
	BasicRecoverOK    = 111
	BasicNack         = 120
)

// Method IDs for tx class
const (
	TxSelect     = 10
	TxSelectOK   = 11
	TxCommit     = 20
	TxCommitOK   = 21
	TxRollback   = 30
	TxRollbackOK = 31
)

// CommandError is not part of 0-9-1; it reports a failed command that
// leaves the channel open.
const CommandError = 65535

// Method is a decoded protocol command, inbound or outbound.
type Method interface {
	ClassID() uint16
	MethodID() uint16
	MethodName() string
}

// Connection class

type ConnectionCloseMethod struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (*ConnectionCloseMethod) ClassID() uint16    { return ClassConnection }
func (*ConnectionCloseMethod) MethodID() uint16   { return ConnectionClose }
func (*ConnectionCloseMethod) MethodName() string { return "connection.close" }

type ConnectionCloseOKMethod struct{}

func (*ConnectionCloseOKMethod) ClassID() uint16    { return ClassConnection }
func (*ConnectionCloseOKMethod) MethodID() uint16   { return ConnectionCloseOK }
func (*ConnectionCloseOKMethod) MethodName() string { return "connection.close-ok" }

// Channel class

type ChannelOpenMethod struct{}

func (*ChannelOpenMethod) ClassID() uint16    { return ClassChannel }
func (*ChannelOpenMethod) MethodID() uint16   { return ChannelOpen }
func (*ChannelOpenMethod) MethodName() string { return "channel.open" }

type ChannelOpenOKMethod struct{}

func (*ChannelOpenOKMethod) ClassID() uint16    { return ClassChannel }
func (*ChannelOpenOKMethod) MethodID() uint16   { return ChannelOpenOK }
func (*ChannelOpenOKMethod) MethodName() string { return "channel.open-ok" }

// ChannelFlowMethod travels both ways: the client suspends deliveries with
// it and the server uses it to stop publishers.
type ChannelFlowMethod struct {
	Active bool
}

func (*ChannelFlowMethod) ClassID() uint16    { return ClassChannel }
func (*ChannelFlowMethod) MethodID() uint16   { return ChannelFlow }
func (*ChannelFlowMethod) MethodName() string { return "channel.flow" }

type ChannelFlowOKMethod struct {
	Active bool
}

func (*ChannelFlowOKMethod) ClassID() uint16    { return ClassChannel }
func (*ChannelFlowOKMethod) MethodID() uint16   { return ChannelFlowOK }
func (*ChannelFlowOKMethod) MethodName() string { return "channel.flow-ok" }

type ChannelCloseMethod struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (*ChannelCloseMethod) ClassID() uint16    { return ClassChannel }
func (*ChannelCloseMethod) MethodID() uint16   { return ChannelClose }
func (*ChannelCloseMethod) MethodName() string { return "channel.close" }

type ChannelCloseOKMethod struct{}

func (*ChannelCloseOKMethod) ClassID() uint16    { return ClassChannel }
func (*ChannelCloseOKMethod) MethodID() uint16   { return ChannelCloseOK }
func (*ChannelCloseOKMethod) MethodName() string { return "channel.close-ok" }

// Exchange class

type ExchangeDeclareMethod struct {
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  Table
}

func (*ExchangeDeclareMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeDeclareMethod) MethodID() uint16   { return ExchangeDeclare }
func (*ExchangeDeclareMethod) MethodName() string { return "exchange.declare" }

type ExchangeDeclareOKMethod struct{}

func (*ExchangeDeclareOKMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeDeclareOKMethod) MethodID() uint16   { return ExchangeDeclareOK }
func (*ExchangeDeclareOKMethod) MethodName() string { return "exchange.declare-ok" }

type ExchangeDeleteMethod struct {
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (*ExchangeDeleteMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeDeleteMethod) MethodID() uint16   { return ExchangeDelete }
func (*ExchangeDeleteMethod) MethodName() string { return "exchange.delete" }

type ExchangeDeleteOKMethod struct{}

func (*ExchangeDeleteOKMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeDeleteOKMethod) MethodID() uint16   { return ExchangeDeleteOK }
func (*ExchangeDeleteOKMethod) MethodName() string { return "exchange.delete-ok" }

type ExchangeBindMethod struct {
	Destination string
	Source      string
	RoutingKey  string
	NoWait      bool
	Arguments   Table
}

func (*ExchangeBindMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeBindMethod) MethodID() uint16   { return ExchangeBind }
func (*ExchangeBindMethod) MethodName() string { return "exchange.bind" }

type ExchangeBindOKMethod struct{}

func (*ExchangeBindOKMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeBindOKMethod) MethodID() uint16   { return ExchangeBindOK }
func (*ExchangeBindOKMethod) MethodName() string { return "exchange.bind-ok" }

type ExchangeUnbindMethod struct {
	Destination string
	Source      string
	RoutingKey  string
	NoWait      bool
	Arguments   Table
}

func (*ExchangeUnbindMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeUnbindMethod) MethodID() uint16   { return ExchangeUnbind }
func (*ExchangeUnbindMethod) MethodName() string { return "exchange.unbind" }

type ExchangeUnbindOKMethod struct{}

func (*ExchangeUnbindOKMethod) ClassID() uint16    { return ClassExchange }
func (*ExchangeUnbindOKMethod) MethodID() uint16   { return ExchangeUnbindOK }
func (*ExchangeUnbindOKMethod) MethodName() string { return "exchange.unbind-ok" }

// Queue class

type QueueDeclareMethod struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  Table
}

func (*QueueDeclareMethod) ClassID() uint16    { return ClassQueue }
func (*QueueDeclareMethod) MethodID() uint16   { return QueueDeclare }
func (*QueueDeclareMethod) MethodName() string { return "queue.declare" }

type QueueDeclareOKMethod struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (*QueueDeclareOKMethod) ClassID() uint16    { return ClassQueue }
func (*QueueDeclareOKMethod) MethodID() uint16   { return QueueDeclareOK }
func (*QueueDeclareOKMethod) MethodName() string { return "queue.declare-ok" }

type QueueBindMethod struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  Table
}

func (*QueueBindMethod) ClassID() uint16    { return ClassQueue }
func (*QueueBindMethod) MethodID() uint16   { return QueueBind }
func (*QueueBindMethod) MethodName() string { return "queue.bind" }

type QueueBindOKMethod struct{}

func (*QueueBindOKMethod) ClassID() uint16    { return ClassQueue }
func (*QueueBindOKMethod) MethodID() uint16   { return QueueBindOK }
func (*QueueBindOKMethod) MethodName() string { return "queue.bind-ok" }

type QueueUnbindMethod struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  Table
}

func (*QueueUnbindMethod) ClassID() uint16    { return ClassQueue }
func (*QueueUnbindMethod) MethodID() uint16   { return QueueUnbind }
func (*QueueUnbindMethod) MethodName() string { return "queue.unbind" }

type QueueUnbindOKMethod struct{}

func (*QueueUnbindOKMethod) ClassID() uint16    { return ClassQueue }
func (*QueueUnbindOKMethod) MethodID() uint16   { return QueueUnbindOK }
func (*QueueUnbindOKMethod) MethodName() string { return "queue.unbind-ok" }

type QueuePurgeMethod struct {
	Queue  string
	NoWait bool
}

func (*QueuePurgeMethod) ClassID() uint16    { return ClassQueue }
func (*QueuePurgeMethod) MethodID() uint16   { return QueuePurge }
func (*QueuePurgeMethod) MethodName() string { return "queue.purge" }

type QueuePurgeOKMethod struct {
	MessageCount uint32
}

func (*QueuePurgeOKMethod) ClassID() uint16    { return ClassQueue }
func (*QueuePurgeOKMethod) MethodID() uint16   { return QueuePurgeOK }
func (*QueuePurgeOKMethod) MethodName() string { return "queue.purge-ok" }

type QueueDeleteMethod struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func (*QueueDeleteMethod) ClassID() uint16    { return ClassQueue }
func (*QueueDeleteMethod) MethodID() uint16   { return QueueDelete }
func (*QueueDeleteMethod) MethodName() string { return "queue.delete" }

type QueueDeleteOKMethod struct {
	MessageCount uint32
}

func (*QueueDeleteOKMethod) ClassID() uint16    { return ClassQueue }
func (*QueueDeleteOKMethod) MethodID() uint16   { return QueueDeleteOK }
func (*QueueDeleteOKMethod) MethodName() string { return "queue.delete-ok" }

// Basic class

type BasicQosMethod struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (*BasicQosMethod) ClassID() uint16    { return ClassBasic }
func (*BasicQosMethod) MethodID() uint16   { return BasicQos }
func (*BasicQosMethod) MethodName() string { return "basic.qos" }

type BasicQosOKMethod struct{}

func (*BasicQosOKMethod) ClassID() uint16    { return ClassBasic }
func (*BasicQosOKMethod) MethodID() uint16   { return BasicQosOK }
func (*BasicQosOKMethod) MethodName() string { return "basic.qos-ok" }

type BasicConsumeMethod struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   Table
}

func (*BasicConsumeMethod) ClassID() uint16    { return ClassBasic }
func (*BasicConsumeMethod) MethodID() uint16   { return BasicConsume }
func (*BasicConsumeMethod) MethodName() string { return "basic.consume" }

type BasicConsumeOKMethod struct {
	ConsumerTag string
}

func (*BasicConsumeOKMethod) ClassID() uint16    { return ClassBasic }
func (*BasicConsumeOKMethod) MethodID() uint16   { return BasicConsumeOK }
func (*BasicConsumeOKMethod) MethodName() string { return "basic.consume-ok" }

// BasicCancelMethod is sent by clients, and by the server when a queue
// disappears underneath a consumer.
type BasicCancelMethod struct {
	ConsumerTag string
	NoWait      bool
}

func (*BasicCancelMethod) ClassID() uint16    { return ClassBasic }
func (*BasicCancelMethod) MethodID() uint16   { return BasicCancel }
func (*BasicCancelMethod) MethodName() string { return "basic.cancel" }

type BasicCancelOKMethod struct {
	ConsumerTag string
}

func (*BasicCancelOKMethod) ClassID() uint16    { return ClassBasic }
func (*BasicCancelOKMethod) MethodID() uint16   { return BasicCancelOK }
func (*BasicCancelOKMethod) MethodName() string { return "basic.cancel-ok" }

type BasicPublishMethod struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (*BasicPublishMethod) ClassID() uint16    { return ClassBasic }
func (*BasicPublishMethod) MethodID() uint16   { return BasicPublish }
func (*BasicPublishMethod) MethodName() string { return "basic.publish" }

type BasicReturnMethod struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (*BasicReturnMethod) ClassID() uint16    { return ClassBasic }
func (*BasicReturnMethod) MethodID() uint16   { return BasicReturn }
func (*BasicReturnMethod) MethodName() string { return "basic.return" }

type BasicDeliverMethod struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (*BasicDeliverMethod) ClassID() uint16    { return ClassBasic }
func (*BasicDeliverMethod) MethodID() uint16   { return BasicDeliver }
func (*BasicDeliverMethod) MethodName() string { return "basic.deliver" }

type BasicGetMethod struct {
	Queue string
	NoAck bool
}

func (*BasicGetMethod) ClassID() uint16    { return ClassBasic }
func (*BasicGetMethod) MethodID() uint16   { return BasicGet }
func (*BasicGetMethod) MethodName() string { return "basic.get" }

type BasicGetOKMethod struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (*BasicGetOKMethod) ClassID() uint16    { return ClassBasic }
func (*BasicGetOKMethod) MethodID() uint16   { return BasicGetOK }
func (*BasicGetOKMethod) MethodName() string { return "basic.get-ok" }

type BasicGetEmptyMethod struct{}

func (*BasicGetEmptyMethod) ClassID() uint16    { return ClassBasic }
func (*BasicGetEmptyMethod) MethodID() uint16   { return BasicGetEmpty }
func (*BasicGetEmptyMethod) MethodName() string { return "basic.get-empty" }

type BasicAckMethod struct {
	DeliveryTag uint64
	Multiple    bool
}

func (*BasicAckMethod) ClassID() uint16    { return ClassBasic }
func (*BasicAckMethod) MethodID() uint16   { return BasicAck }
func (*BasicAckMethod) MethodName() string { return "basic.ack" }

type BasicRejectMethod struct {
	DeliveryTag uint64
	Requeue     bool
}

func (*BasicRejectMethod) ClassID() uint16    { return ClassBasic }
func (*BasicRejectMethod) MethodID() uint16   { return BasicReject }
func (*BasicRejectMethod) MethodName() string { return "basic.reject" }

type BasicNackMethod struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (*BasicNackMethod) ClassID() uint16    { return ClassBasic }
func (*BasicNackMethod) MethodID() uint16   { return BasicNack }
func (*BasicNackMethod) MethodName() string { return "basic.nack" }

type BasicRecoverMethod struct {
	Requeue bool
}

func (*BasicRecoverMethod) ClassID() uint16    { return ClassBasic }
func (*BasicRecoverMethod) MethodID() uint16   { return BasicRecover }
func (*BasicRecoverMethod) MethodName() string { return "basic.recover" }

type BasicRecoverAsyncMethod struct {
	Requeue bool
}

func (*BasicRecoverAsyncMethod) ClassID() uint16    { return ClassBasic }
func (*BasicRecoverAsyncMethod) MethodID() uint16   { return BasicRecoverAsync }
func (*BasicRecoverAsyncMethod) MethodName() string { return "basic.recover-async" }

type BasicRecoverOKMethod struct{}

func (*BasicRecoverOKMethod) ClassID() uint16    { return ClassBasic }
func (*BasicRecoverOKMethod) MethodID() uint16   { return BasicRecoverOK }
func (*BasicRecoverOKMethod) MethodName() string { return "basic.recover-ok" }

// Tx class

type TxSelectMethod struct{}

func (*TxSelectMethod) ClassID() uint16    { return ClassTx }
func (*TxSelectMethod) MethodID() uint16   { return TxSelect }
func (*TxSelectMethod) MethodName() string { return "tx.select" }

type TxSelectOKMethod struct{}

func (*TxSelectOKMethod) ClassID() uint16    { return ClassTx }
func (*TxSelectOKMethod) MethodID() uint16   { return TxSelectOK }
func (*TxSelectOKMethod) MethodName() string { return "tx.select-ok" }

type TxCommitMethod struct{}

func (*TxCommitMethod) ClassID() uint16    { return ClassTx }
func (*TxCommitMethod) MethodID() uint16   { return TxCommit }
func (*TxCommitMethod) MethodName() string { return "tx.commit" }

type TxCommitOKMethod struct{}

func (*TxCommitOKMethod) ClassID() uint16    { return ClassTx }
func (*TxCommitOKMethod) MethodID() uint16   { return TxCommitOK }
func (*TxCommitOKMethod) MethodName() string { return "tx.commit-ok" }

type TxRollbackMethod struct{}

func (*TxRollbackMethod) ClassID() uint16    { return ClassTx }
func (*TxRollbackMethod) MethodID() uint16   { return TxRollback }
func (*TxRollbackMethod) MethodName() string { return "tx.rollback" }

type TxRollbackOKMethod struct{}

func (*TxRollbackOKMethod) ClassID() uint16    { return ClassTx }
func (*TxRollbackOKMethod) MethodID() uint16   { return TxRollbackOK }
func (*TxRollbackOKMethod) MethodName() string { return "tx.rollback-ok" }

// CommandErrorMethod reports a command that failed without closing the
// channel, for example a consume refused because of exclusivity.
type CommandErrorMethod struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (*CommandErrorMethod) ClassID() uint16    { return ClassChannel }
func (*CommandErrorMethod) MethodID() uint16   { return CommandError }
func (*CommandErrorMethod) MethodName() string { return "command.error" }

// Output receives everything the engine sends towards a client. The framing
// layer behind it turns methods and content into frames.
type Output interface {
	Send(channelID uint16, method Method) error
	SendContent(channelID uint16, method Method, msg *Message) error
}

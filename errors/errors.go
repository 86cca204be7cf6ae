package errors

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPError represents a general AMQP error
type AMQPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *AMQPError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("AMQP Error %d in %s: %s", e.Code, e.Method, e.Message)
	}
	return fmt.Sprintf("AMQP Error %d: %s", e.Code, e.Message)
}

func (e *AMQPError) Unwrap() error {
	return e.Cause
}

// AMQP reply codes, shared with the client library so both ends agree on
// numbers. amqp091 keeps reply-success unexported.
const (
	ReplySuccess       = 200
	ContentTooLarge    = amqp.ContentTooLarge
	NoRoute            = amqp.NoRoute
	NoConsumers        = amqp.NoConsumers
	ConnectionForced   = amqp.ConnectionForced
	InvalidPath        = amqp.InvalidPath
	AccessRefused      = amqp.AccessRefused
	NotFound           = amqp.NotFound
	ResourceLocked     = amqp.ResourceLocked
	PreconditionFailed = amqp.PreconditionFailed
	FrameError         = amqp.FrameError
	SyntaxError        = amqp.SyntaxError
	CommandInvalid     = amqp.CommandInvalid
	ChannelErrorCode   = amqp.ChannelError
	UnexpectedFrame    = amqp.UnexpectedFrame
	ResourceError      = amqp.ResourceError
	NotAllowed         = amqp.NotAllowed
	NotImplemented     = amqp.NotImplemented
	InternalError      = amqp.InternalError
)

// Scope says how far an error reaches: the failing command only, the
// channel it arrived on, or the whole connection.
type Scope int

const (
	ScopeRecoverable Scope = iota
	ScopeChannel
	ScopeConnection
)

func (s Scope) String() string {
	switch s {
	case ScopeRecoverable:
		return "recoverable"
	case ScopeChannel:
		return "channel"
	case ScopeConnection:
		return "connection"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Connection Errors

// ConnectionError represents connection-specific errors
type ConnectionError struct {
	AMQPError
	ConnectionID string `json:"connection_id,omitempty"`
}

func NewConnectionError(code int, message, connectionID string) *ConnectionError {
	return &ConnectionError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
		},
		ConnectionID: connectionID,
	}
}

func NewConnectionForced(connectionID, reason string) *ConnectionError {
	return NewConnectionError(ConnectionForced, fmt.Sprintf("Connection forced closed: %s", reason), connectionID)
}

func NewNoDefaultQueue(connectionID, method string) *ConnectionError {
	err := NewConnectionError(NotAllowed, "No queue name given and no default queue on channel", connectionID)
	err.Method = method
	return err
}

func NewUnroutableClose(connectionID, exchange, routingKey string) *ConnectionError {
	message := fmt.Sprintf("No route for message with exchange '%s' and routing key '%s'", exchange, routingKey)
	return NewConnectionError(NoRoute, message, connectionID)
}

func NewFlowEnforcement(connectionID string, channelID uint16) *ConnectionError {
	message := fmt.Sprintf("Channel %d kept publishing after flow was stopped", channelID)
	return NewConnectionError(ResourceError, message, connectionID)
}

func NewTransactionTimeout(connectionID string, channelID uint16) *ConnectionError {
	message := fmt.Sprintf("Transaction on channel %d has been open too long", channelID)
	return NewConnectionError(ResourceError, message, connectionID)
}

// Channel Errors

// ChannelError represents channel-specific errors
type ChannelError struct {
	AMQPError
	ConnectionID string `json:"connection_id,omitempty"`
	ChannelID    uint16 `json:"channel_id"`
}

func NewChannelError(code int, message, connectionID string, channelID uint16) *ChannelError {
	return &ChannelError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
		},
		ConnectionID: connectionID,
		ChannelID:    channelID,
	}
}

func NewChannelPreconditionFailed(connectionID string, channelID uint16, reason string) *ChannelError {
	return NewChannelError(PreconditionFailed, fmt.Sprintf("Precondition failed: %s", reason), connectionID, channelID)
}

// Exchange Errors

// ExchangeError represents exchange-specific errors
type ExchangeError struct {
	AMQPError
	ExchangeName string `json:"exchange_name"`
}

func NewExchangeError(code int, message, exchangeName, method string) *ExchangeError {
	return &ExchangeError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
			Method:  method,
		},
		ExchangeName: exchangeName,
	}
}

func NewExchangeNotFound(exchangeName, method string) *ExchangeError {
	return NewExchangeError(NotFound, fmt.Sprintf("Exchange '%s' not found", exchangeName), exchangeName, method)
}

func NewExchangeTypeMismatch(exchangeName, expectedType, actualType, method string) *ExchangeError {
	message := fmt.Sprintf("Exchange '%s' type mismatch: expected %s, got %s", exchangeName, expectedType, actualType)
	return NewExchangeError(PreconditionFailed, message, exchangeName, method)
}

func NewExchangeReserved(exchangeName, method string) *ExchangeError {
	return NewExchangeError(AccessRefused, fmt.Sprintf("Exchange name '%s' is reserved", exchangeName), exchangeName, method)
}

func NewExchangeInUse(exchangeName, method string) *ExchangeError {
	return NewExchangeError(PreconditionFailed, fmt.Sprintf("Exchange '%s' is in use", exchangeName), exchangeName, method)
}

func NewExchangeIsAlternate(exchangeName, method string) *ExchangeError {
	message := fmt.Sprintf("Exchange '%s' is configured as an alternate exchange", exchangeName)
	return NewExchangeError(PreconditionFailed, message, exchangeName, method)
}

func NewBindingNotFound(exchangeName, bindingKey, destination, method string) *ExchangeError {
	message := fmt.Sprintf("No binding '%s' from exchange '%s' to '%s'", bindingKey, exchangeName, destination)
	return NewExchangeError(NotFound, message, exchangeName, method)
}

func NewInvalidArgument(exchangeName, reason, method string) *ExchangeError {
	return NewExchangeError(PreconditionFailed, fmt.Sprintf("Invalid argument: %s", reason), exchangeName, method)
}

// Queue Errors

// QueueError represents queue-specific errors
type QueueError struct {
	AMQPError
	QueueName string `json:"queue_name"`
}

func NewQueueError(code int, message, queueName, method string) *QueueError {
	return &QueueError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
			Method:  method,
		},
		QueueName: queueName,
	}
}

func NewQueueNotFound(queueName, method string) *QueueError {
	return NewQueueError(NotFound, fmt.Sprintf("Queue '%s' not found", queueName), queueName, method)
}

func NewQueueDeleted(queueName, method string) *QueueError {
	return NewQueueError(NotFound, fmt.Sprintf("Queue '%s' has been deleted", queueName), queueName, method)
}

func NewQueueInUse(queueName, method string) *QueueError {
	return NewQueueError(PreconditionFailed, fmt.Sprintf("Queue '%s' is in use", queueName), queueName, method)
}

func NewQueueNotEmpty(queueName, method string) *QueueError {
	return NewQueueError(PreconditionFailed, fmt.Sprintf("Queue '%s' is not empty", queueName), queueName, method)
}

func NewQueueLocked(queueName, method string) *QueueError {
	return NewQueueError(ResourceLocked, fmt.Sprintf("Queue '%s' is exclusive to another owner", queueName), queueName, method)
}

func NewQueueReserved(queueName, method string) *QueueError {
	return NewQueueError(AccessRefused, fmt.Sprintf("Queue name '%s' is reserved", queueName), queueName, method)
}

// Consumer Errors

// ConsumerError represents consumer-specific errors
type ConsumerError struct {
	AMQPError
	ConsumerTag string `json:"consumer_tag"`
	QueueName   string `json:"queue_name,omitempty"`
}

func NewConsumerError(code int, message, consumerTag, queueName string) *ConsumerError {
	return &ConsumerError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
		},
		ConsumerTag: consumerTag,
		QueueName:   queueName,
	}
}

func NewConsumerNotFound(consumerTag string) *ConsumerError {
	return NewConsumerError(NotFound, fmt.Sprintf("Consumer '%s' not found", consumerTag), consumerTag, "")
}

func NewConsumerTagInUse(consumerTag, queueName string) *ConsumerError {
	return NewConsumerError(NotAllowed, fmt.Sprintf("Consumer tag '%s' already in use", consumerTag), consumerTag, queueName)
}

func NewExclusiveConsumerExists(consumerTag, queueName string) *ConsumerError {
	message := fmt.Sprintf("Queue '%s' already has an exclusive consumer", queueName)
	return NewConsumerError(AccessRefused, message, consumerTag, queueName)
}

func NewExistingConsumerPreventsExclusive(consumerTag, queueName string) *ConsumerError {
	message := fmt.Sprintf("Queue '%s' has consumers, cannot attach exclusive consumer", queueName)
	return NewConsumerError(AccessRefused, message, consumerTag, queueName)
}

// Message Errors

// MessageError represents message-specific errors
type MessageError struct {
	AMQPError
	DeliveryTag uint64 `json:"delivery_tag,omitempty"`
	QueueName   string `json:"queue_name,omitempty"`
}

func NewMessageError(code int, message string, deliveryTag uint64, queueName string) *MessageError {
	return &MessageError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
		},
		DeliveryTag: deliveryTag,
		QueueName:   queueName,
	}
}

func NewMessageTooLarge(size, maxSize int64) *MessageError {
	message := fmt.Sprintf("Message too large: %d bytes (max: %d)", size, maxSize)
	return NewMessageError(ContentTooLarge, message, 0, "")
}

// Protocol Errors

// ProtocolError represents protocol-specific errors
type ProtocolError struct {
	AMQPError
	ClassID  uint16 `json:"class_id,omitempty"`
	MethodID uint16 `json:"method_id,omitempty"`
}

func NewProtocolError(code int, message string, classID, methodID uint16) *ProtocolError {
	return &ProtocolError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
		},
		ClassID:  classID,
		MethodID: methodID,
	}
}

func NewFrameError(message string) *ProtocolError {
	return NewProtocolError(FrameError, fmt.Sprintf("Frame error: %s", message), 0, 0)
}

func NewUnexpectedFrame(message string) *ProtocolError {
	return NewProtocolError(UnexpectedFrame, fmt.Sprintf("Unexpected frame: %s", message), 0, 0)
}

func NewCommandInvalid(message string, classID, methodID uint16) *ProtocolError {
	return NewProtocolError(CommandInvalid, message, classID, methodID)
}

func NewChannelNotOpen(channelID uint16) *ProtocolError {
	return NewProtocolError(ChannelErrorCode, fmt.Sprintf("Channel %d is not open", channelID), 0, 0)
}

func NewNotImplemented(method string) *ProtocolError {
	err := NewProtocolError(NotImplemented, fmt.Sprintf("Method %s is not implemented", method), 0, 0)
	err.Method = method
	return err
}

// Transaction Errors

// TransactionError represents misuse of the transaction commands
type TransactionError struct {
	AMQPError
	ChannelID uint16 `json:"channel_id"`
}

func NewNotTransactional(channelID uint16, method string) *TransactionError {
	return &TransactionError{
		AMQPError: AMQPError{
			Code:    PreconditionFailed,
			Message: "Channel is not transactional",
			Method:  method,
		},
		ChannelID: channelID,
	}
}

func NewTransactionAlreadyOpen(channelID uint16) *TransactionError {
	return &TransactionError{
		AMQPError: AMQPError{
			Code:    PreconditionFailed,
			Message: fmt.Sprintf("Channel %d already has an open transaction", channelID),
			Method:  "tx.select",
		},
		ChannelID: channelID,
	}
}

// Storage Errors

// StorageError represents storage-specific errors
type StorageError struct {
	AMQPError
	Operation string `json:"operation"`
	Resource  string `json:"resource"`
}

func NewStorageError(code int, message, operation, resource string, cause error) *StorageError {
	return &StorageError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
			Cause:   cause,
		},
		Operation: operation,
		Resource:  resource,
	}
}

func NewStorageUnavailable(operation, resource string, cause error) *StorageError {
	message := fmt.Sprintf("Storage unavailable for %s on %s", operation, resource)
	return NewStorageError(InternalError, message, operation, resource, cause)
}

// Authentication Errors

// AuthError represents authentication and authorization errors
type AuthError struct {
	AMQPError
	Username  string `json:"username,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`
}

func NewAuthError(code int, message, username, resource, operation string) *AuthError {
	return &AuthError{
		AMQPError: AMQPError{
			Code:    code,
			Message: message,
		},
		Username:  username,
		Resource:  resource,
		Operation: operation,
	}
}

func NewAuthenticationFailed(username, reason string) *AuthError {
	message := fmt.Sprintf("Authentication failed for user '%s': %s", username, reason)
	return NewAuthError(AccessRefused, message, username, "", "")
}

func NewAuthorizationFailed(username, resource, operation string) *AuthError {
	message := fmt.Sprintf("User '%s' not authorized for %s on %s", username, operation, resource)
	return NewAuthError(AccessRefused, message, username, resource, operation)
}

// Configuration Errors

// ConfigError represents configuration-specific errors
type ConfigError struct {
	AMQPError
	Section string `json:"section"`
	Key     string `json:"key,omitempty"`
}

func NewConfigError(message, section, key string, cause error) *ConfigError {
	return &ConfigError{
		AMQPError: AMQPError{
			Code:    InternalError,
			Message: message,
			Cause:   cause,
		},
		Section: section,
		Key:     key,
	}
}

func NewConfigValidationError(section, key, reason string) *ConfigError {
	message := fmt.Sprintf("Configuration validation failed for %s.%s: %s", section, key, reason)
	return NewConfigError(message, section, key, nil)
}

// ScopeOf classifies an error. Anything that is not a typed AMQP error is
// treated as an internal failure of the connection.
func ScopeOf(err error) Scope {
	if err == nil {
		return ScopeRecoverable
	}

	var (
		connErr     *ConnectionError
		protoErr    *ProtocolError
		storageErr  *StorageError
		authErr     *AuthError
		consumerErr *ConsumerError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &protoErr), errors.As(err, &storageErr):
		return ScopeConnection
	case errors.As(err, &authErr):
		if authErr.Operation == "publish" {
			return ScopeChannel
		}
		return ScopeConnection
	case errors.As(err, &consumerErr):
		switch consumerErr.Code {
		case NotAllowed:
			return ScopeConnection
		case NotFound:
			return ScopeChannel
		default:
			return ScopeRecoverable
		}
	}

	if _, ok := asAMQP(err); ok {
		return ScopeChannel
	}
	return ScopeConnection
}

// CodeAndText returns the reply code and text to put in a close or error
// reply for err.
func CodeAndText(err error) (int, string) {
	if amqpErr, ok := asAMQP(err); ok {
		return amqpErr.Code, amqpErr.Message
	}
	return InternalError, err.Error()
}

func asAMQP(err error) (*AMQPError, bool) {
	var target interface{ amqpError() *AMQPError }
	if errors.As(err, &target) {
		return target.amqpError(), true
	}
	return nil, false
}

func (e *AMQPError) amqpError() *AMQPError { return e }

// Helper functions for common error checking

// IsConnectionError checks if an error closes the connection
func IsConnectionError(err error) bool {
	return ScopeOf(err) == ScopeConnection
}

// IsChannelError checks if an error closes only the channel
func IsChannelError(err error) bool {
	return ScopeOf(err) == ScopeChannel
}

// IsNotFound checks if an error indicates a resource was not found
func IsNotFound(err error) bool {
	return GetErrorCode(err) == NotFound
}

// IsPreconditionFailed checks if an error indicates a precondition failed
func IsPreconditionFailed(err error) bool {
	return GetErrorCode(err) == PreconditionFailed
}

// IsAccessRefused checks if an error indicates access was refused
func IsAccessRefused(err error) bool {
	return GetErrorCode(err) == AccessRefused
}

// GetErrorCode returns the AMQP error code if the error is an AMQPError
func GetErrorCode(err error) int {
	if amqpErr, ok := asAMQP(err); ok {
		return amqpErr.Code
	}
	return 0
}

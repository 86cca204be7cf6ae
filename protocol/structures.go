package protocol

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Table is an AMQP field table, used for arguments and message headers.
type Table = amqp.Table

// ValidateTable checks that every value in t has a type that can travel in a
// field table. A nil table is valid.
func ValidateTable(t Table) error {
	if t == nil {
		return nil
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid field table: %w", err)
	}
	return nil
}

// Delivery modes
const (
	DeliveryModeTransient  uint8 = 1
	DeliveryModePersistent uint8 = 2
)

// Properties holds the basic-class content properties of a message
type Properties struct {
	ContentType     string `cbor:"ct,omitempty"`
	ContentEncoding string `cbor:"ce,omitempty"`
	Headers         Table  `cbor:"h,omitempty"`
	DeliveryMode    uint8  `cbor:"dm,omitempty"`
	Priority        uint8  `cbor:"p,omitempty"`
	CorrelationID   string `cbor:"cid,omitempty"`
	ReplyTo         string `cbor:"rt,omitempty"`
	Expiration      string `cbor:"exp,omitempty"`
	MessageID       string `cbor:"mid,omitempty"`
	Timestamp       uint64 `cbor:"ts,omitempty"`
	Type            string `cbor:"t,omitempty"`
	UserID          string `cbor:"uid,omitempty"`
	AppID           string `cbor:"aid,omitempty"`
	ClusterID       string `cbor:"cl,omitempty"`
}

// Message is a fully received message. It is not modified after assembly;
// per-queue delivery state lives on the broker's MessageInstance.
type Message struct {
	Exchange     string     `cbor:"x"`
	RoutingKey   string     `cbor:"rk"`
	Mandatory    bool       `cbor:"m,omitempty"`
	Immediate    bool       `cbor:"i,omitempty"`
	Properties   Properties `cbor:"props"`
	Body         []byte     `cbor:"b,omitempty"`
	ArrivalTime  time.Time  `cbor:"at"`
	ConnectionID string     `cbor:"-"`
}

// Persistent reports whether the publisher asked for the message to survive a restart
func (m *Message) Persistent() bool {
	return m.Properties.DeliveryMode == DeliveryModePersistent
}

// Priority returns the message priority
func (m *Message) Priority() uint8 {
	return m.Properties.Priority
}

// Size returns the body size in bytes
func (m *Message) Size() int64 {
	return int64(len(m.Body))
}

// Header returns a header value and whether it was present
func (m *Message) Header(name string) (interface{}, bool) {
	if m.Properties.Headers == nil {
		return nil, false
	}
	v, ok := m.Properties.Headers[name]
	return v, ok
}

// Headers returns the header table, possibly nil
func (m *Message) Headers() Table {
	return m.Properties.Headers
}

// WithBody returns a shallow copy of m carrying body
func (m *Message) WithBody(body []byte) *Message {
	cp := *m
	cp.Body = body
	return &cp
}

// HeaderString renders a header value as text for keys such as sort or
// last-value keys. Missing headers yield "".
func (m *Message) HeaderString(name string) string {
	v, ok := m.Header(name)
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

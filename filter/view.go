package filter

import "github.com/maxpert/amqp-engine/protocol"

// MessageView exposes a message's headers to selectors. The JMS header
// names map onto the matching basic properties.
type MessageView struct {
	Msg *protocol.Message
}

func (v MessageView) Header(name string) (interface{}, bool) {
	props := v.Msg.Properties
	switch name {
	case "JMSPriority":
		return int(props.Priority), true
	case "JMSMessageID":
		return props.MessageID, props.MessageID != ""
	case "JMSCorrelationID":
		return props.CorrelationID, props.CorrelationID != ""
	case "JMSType":
		return props.Type, props.Type != ""
	case "JMSTimestamp":
		return int64(props.Timestamp), props.Timestamp != 0
	case "JMSDeliveryMode":
		if props.DeliveryMode == protocol.DeliveryModePersistent {
			return "PERSISTENT", true
		}
		return "NON_PERSISTENT", true
	}
	return v.Msg.Header(name)
}

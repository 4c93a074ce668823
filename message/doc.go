// Package message defines the record that crosses a SHUFFLE boundary.
//
// A StreamMessage carries a routing key (the stream name), the consumer
// group it was read under, the transport-assigned offset, a typed payload
// and a bag of tracking headers copied from the publishing invocation.
//
// # Payload types
//
// Payload types use three-part dotted notation (domain.category.version).
// Go types are bound to a Type in a Registry so that the consuming side
// decodes a fresh value of the same Go type the publisher produced:
//
//	reg := message.NewRegistry()
//	_ = message.RegisterType[Order](reg, message.Type{Domain: "orders", Category: "order", Version: "v1"}, "an order")
//	codec := message.NewCodec(reg)
//
// Values that are neither registered nor implement Payload travel as
// core.json.v1 and decode generically (map[string]any, []any, float64, ...).
//
// # Wire format
//
//	{"id":"...","stream":"orders","consumer_group":"pricing","offset":"42",
//	 "type":"orders.order.v1","payload":{...},"headers":{"track.request_id":"..."}}
package message

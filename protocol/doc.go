// Package protocol defines the wire model spoken between realtime clients and
// the server: the message kinds, the inbound frame, the outbound messages, the
// stable error codes and the codecs used to put them on a transport.
//
// Every inbound message is decoded into a single flat Frame whose Kind selects
// which fields are meaningful. Outbound messages are distinct types; those that
// demand a ConfirmReceipt from the client embed Tracking so the delivery engine
// can stamp a unique serverId on them before the first transmit attempt.
//
// Two codecs are provided. JSON is the default and is used for text frames;
// Msgpack produces compact binary frames. Both share the same field names.
package protocol

// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"strings"

	"github.com/centrifugal/protocol"
)

// protocolType selects the wire format from the connection URL. Endpoints
// with format=protobuf speak length-delimited Protobuf frames, everything
// else newline-delimited JSON.
func protocolType(url string) protocol.Type {
	if strings.Contains(url, "format=protobuf") {
		return protocol.TypeProtobuf
	}
	return protocol.TypeJSON
}

func newCommandEncoder(protoType protocol.Type) protocol.CommandEncoder {
	if protoType == protocol.TypeJSON {
		return protocol.NewJSONCommandEncoder()
	}
	return protocol.NewProtobufCommandEncoder()
}

// newReplyDecoder returns a decoder over one inbound frame. A single frame
// may carry several replies; Decode is called until io.EOF.
func newReplyDecoder(protoType protocol.Type, data []byte) protocol.ReplyDecoder {
	if protoType == protocol.TypeJSON {
		return protocol.NewJSONReplyDecoder(data)
	}
	return protocol.NewProtobufReplyDecoder(data)
}

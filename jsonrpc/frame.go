package jsonrpc

import (
	"bytes"
	"encoding/json"
	"iter"
)

// Frame is one unit read off a transport: a single message or a batch.
type Frame struct {
	// Messages holds the well-formed messages in receipt order.
	Messages []AnyMessage
	// Batch is true when the frame was a JSON array of messages.
	Batch bool
	// Invalid holds protocol errors for entries that could not be decoded.
	// For a non-batch frame it holds at most one entry and Messages is empty.
	Invalid []Invalid
}

// Invalid describes a frame or batch element that failed to decode. ID is
// set when it could still be recovered from the payload. Index is the
// element's position in the batch, zero for a non-batch frame.
type Invalid struct {
	ID    *RequestID
	Err   *Error
	Index int
}

// Response builds the error response the peer should receive.
func (i Invalid) Response() *Response {
	return &Response{JSONRPCVersion: ProtocolVersion, Error: i.Err, ID: i.ID}
}

// HasRequests reports whether any message in the frame expects a response.
func (f Frame) HasRequests() bool {
	for i := range f.Messages {
		if f.Messages[i].Type() == "request" {
			return true
		}
	}
	return false
}

// Entries yields the frame's elements in their original order. Exactly one
// of msg and inv is non-nil at each step.
func (f Frame) Entries() iter.Seq2[*AnyMessage, *Invalid] {
	return func(yield func(*AnyMessage, *Invalid) bool) {
		mi, ii := 0, 0
		for pos := 0; mi < len(f.Messages) || ii < len(f.Invalid); pos++ {
			if ii < len(f.Invalid) && (f.Invalid[ii].Index == pos || mi == len(f.Messages)) {
				if !yield(nil, &f.Invalid[ii]) {
					return
				}
				ii++
				continue
			}
			if !yield(&f.Messages[mi], nil) {
				return
			}
			mi++
		}
	}
}

// RequestIDs returns the ids of the requests in the frame, in order.
func (f Frame) RequestIDs() []*RequestID {
	var ids []*RequestID
	for i := range f.Messages {
		if f.Messages[i].Type() == "request" {
			ids = append(ids, f.Messages[i].ID)
		}
	}
	return ids
}

// DecodeFrame decodes a single message or a batch. It never fails: malformed
// input is reported through Frame.Invalid so the caller can answer the peer
// with a protocol error and keep the connection open.
func DecodeFrame(data []byte) Frame {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return Frame{Invalid: []Invalid{{Err: NewError(ErrorCodeParseError, "parse error", nil)}}}
	}

	if data[0] != '[' {
		msg, inv, ok := decodeOne(data)
		if !ok {
			return Frame{Invalid: []Invalid{inv}}
		}
		return Frame{Messages: []AnyMessage{msg}}
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Frame{Invalid: []Invalid{{Err: NewError(ErrorCodeParseError, "parse error", nil)}}}
	}
	if len(elems) == 0 {
		return Frame{Invalid: []Invalid{{Err: NewError(ErrorCodeInvalidRequest, "empty batch", nil)}}}
	}

	f := Frame{Batch: true, Messages: make([]AnyMessage, 0, len(elems))}
	for i, e := range elems {
		msg, inv, ok := decodeOne(e)
		if !ok {
			inv.Index = i
			f.Invalid = append(f.Invalid, inv)
			continue
		}
		f.Messages = append(f.Messages, msg)
	}
	return f
}

func decodeOne(data []byte) (AnyMessage, Invalid, bool) {
	var msg AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		var probe struct {
			ID *RequestID `json:"id"`
		}
		_ = json.Unmarshal(data, &probe)
		return AnyMessage{}, Invalid{ID: probe.ID, Err: NewError(ErrorCodeInvalidRequest, err.Error(), nil)}, false
	}
	return msg, Invalid{}, true
}

// PeekResponseID returns the id of a response message, or of the first
// response in a batch. ok is false when the payload carries no response.
func PeekResponseID(data []byte) (id *RequestID, ok bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false
	}
	if data[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, false
		}
		for _, e := range elems {
			if id, ok := PeekResponseID(e); ok {
				return id, true
			}
		}
		return nil, false
	}
	var probe struct {
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
		ID     *RequestID      `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	if probe.Method != "" || (probe.Result == nil && probe.Error == nil) || probe.ID.IsNil() {
		return nil, false
	}
	return probe.ID, true
}

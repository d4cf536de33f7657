package kestrel

import (
	"github.com/tinylib/msgp/msgp"
)

// MessagePack encoding of replies and send results, for callers that store
// submission outcomes. The layouts are maps keyed by field name.

// MarshalMsg implements msgp.Marshaler.
func (r *Response) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, r.Msgsize())
	o = msgp.AppendMapHeader(o, 2)
	o = msgp.AppendString(o, "code")
	o = msgp.AppendInt(o, r.Code.Int())
	o = msgp.AppendString(o, "lines")
	o = msgp.AppendArrayHeader(o, uint32(len(r.Lines)))
	for _, line := range r.Lines {
		o = msgp.AppendString(o, line)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (r *Response) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, msgp.WrapError(err)
	}
	for ; n > 0; n-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, msgp.WrapError(err)
		}
		switch msgp.UnsafeString(field) {
		case "code":
			var code int
			code, bts, err = msgp.ReadIntBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "code")
			}
			r.Code, err = NewReplyCode(code)
			if err != nil {
				return bts, msgp.WrapError(err, "code")
			}
		case "lines":
			var count uint32
			count, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "lines")
			}
			r.Lines = make([]string, count)
			for i := range r.Lines {
				r.Lines[i], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return bts, msgp.WrapError(err, "lines", i)
				}
			}
		default:
			bts, err = msgp.Skip(bts)
			if err != nil {
				return bts, msgp.WrapError(err)
			}
		}
	}
	return bts, nil
}

// Msgsize returns an upper bound on the encoded size.
func (r *Response) Msgsize() int {
	s := msgp.MapHeaderSize + msgp.StringPrefixSize + 4 + msgp.IntSize +
		msgp.StringPrefixSize + 5 + msgp.ArrayHeaderSize
	for _, line := range r.Lines {
		s += msgp.StringPrefixSize + len(line)
	}
	return s
}

func appendOptionalResponse(o []byte, r *Response) ([]byte, error) {
	if r == nil {
		return msgp.AppendNil(o), nil
	}
	return r.MarshalMsg(o)
}

func readOptionalResponse(bts []byte) (*Response, []byte, error) {
	if msgp.IsNil(bts) {
		bts, err := msgp.ReadNilBytes(bts)
		return nil, bts, err
	}
	r := new(Response)
	bts, err := r.UnmarshalMsg(bts)
	return r, bts, err
}

func optionalResponseSize(r *Response) int {
	if r == nil {
		return msgp.NilSize
	}
	return r.Msgsize()
}

// MarshalMsg implements msgp.Marshaler. A recipient error is stored as its
// reply; it is rebuilt from the reply on decode.
func (s *SendResult) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, s.Msgsize())
	o = msgp.AppendMapHeader(o, 3)
	o = msgp.AppendString(o, "response")
	o, err := appendOptionalResponse(o, s.Response)
	if err != nil {
		return o, msgp.WrapError(err, "response")
	}
	o = msgp.AppendString(o, "message_id")
	o = msgp.AppendString(o, s.MessageID)
	o = msgp.AppendString(o, "recipients")
	o = msgp.AppendArrayHeader(o, uint32(len(s.Recipients)))
	for i := range s.Recipients {
		rr := &s.Recipients[i]
		o = msgp.AppendMapHeader(o, 3)
		o = msgp.AppendString(o, "address")
		o = msgp.AppendString(o, rr.Address.String())
		o = msgp.AppendString(o, "accepted")
		o = msgp.AppendBool(o, rr.Accepted)
		o = msgp.AppendString(o, "response")
		o, err = appendOptionalResponse(o, rr.Response)
		if err != nil {
			return o, msgp.WrapError(err, "recipients", i)
		}
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (s *SendResult) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, msgp.WrapError(err)
	}
	for ; n > 0; n-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, msgp.WrapError(err)
		}
		switch msgp.UnsafeString(field) {
		case "response":
			s.Response, bts, err = readOptionalResponse(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "response")
			}
		case "message_id":
			s.MessageID, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "message_id")
			}
		case "recipients":
			var count uint32
			count, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "recipients")
			}
			s.Recipients = make([]RecipientResult, count)
			for i := range s.Recipients {
				bts, err = s.Recipients[i].unmarshalMsg(bts)
				if err != nil {
					return bts, msgp.WrapError(err, "recipients", i)
				}
			}
		default:
			bts, err = msgp.Skip(bts)
			if err != nil {
				return bts, msgp.WrapError(err)
			}
		}
	}
	return bts, nil
}

func (rr *RecipientResult) unmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; n > 0; n-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, err
		}
		switch msgp.UnsafeString(field) {
		case "address":
			var addr string
			addr, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "address")
			}
			rr.Address, err = ParseAddress(addr)
			if err != nil {
				return bts, msgp.WrapError(err, "address")
			}
		case "accepted":
			rr.Accepted, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "accepted")
			}
		case "response":
			rr.Response, bts, err = readOptionalResponse(bts)
			if err != nil {
				return bts, msgp.WrapError(err, "response")
			}
		default:
			bts, err = msgp.Skip(bts)
			if err != nil {
				return bts, err
			}
		}
	}
	if !rr.Accepted && rr.Response != nil {
		rr.Err = replyError(rr.Response)
	}
	return bts, nil
}

// Msgsize returns an upper bound on the encoded size.
func (s *SendResult) Msgsize() int {
	size := msgp.MapHeaderSize +
		msgp.StringPrefixSize + 8 + optionalResponseSize(s.Response) +
		msgp.StringPrefixSize + 10 + msgp.StringPrefixSize + len(s.MessageID) +
		msgp.StringPrefixSize + 10 + msgp.ArrayHeaderSize
	for i := range s.Recipients {
		rr := &s.Recipients[i]
		size += msgp.MapHeaderSize +
			msgp.StringPrefixSize + 7 + msgp.StringPrefixSize + len(rr.Address.String()) +
			msgp.StringPrefixSize + 8 + msgp.BoolSize +
			msgp.StringPrefixSize + 8 + optionalResponseSize(rr.Response)
	}
	return size
}

// ToMessagePack serializes the result to MessagePack.
func (s *SendResult) ToMessagePack() ([]byte, error) {
	return s.MarshalMsg(nil)
}

// SendResultFromMessagePack deserializes a result produced by ToMessagePack.
func SendResultFromMessagePack(data []byte) (*SendResult, error) {
	s := new(SendResult)
	if _, err := s.UnmarshalMsg(data); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ msgp.Marshaler   = (*Response)(nil)
	_ msgp.Unmarshaler = (*Response)(nil)
	_ msgp.Sizer       = (*Response)(nil)
	_ msgp.Marshaler   = (*SendResult)(nil)
	_ msgp.Unmarshaler = (*SendResult)(nil)
)

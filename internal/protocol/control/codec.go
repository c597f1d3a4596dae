package control

import (
	"errors"
	"fmt"

	"github.com/danmuck/robctl/internal/protocol/frame"
	"github.com/danmuck/robctl/internal/protocol/schema"
	"github.com/danmuck/robctl/internal/protocol/tlv"
)

var (
	ErrMalformedFrame = errors.New("control: malformed frame")
	ErrNotReply       = errors.New("control: frame is not a reply")
)

// Limits bounds the frames this package accepts and produces.
var Limits = frame.DefaultLimits()

// DecodeRequest parses one request frame. When the fixed header was readable
// the returned Request carries its MessageID even on error, so the caller can
// correlate the Error reply.
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	if len(b) >= int(frame.FixedHeaderLen) {
		if h, err := frame.DecodeHeader(b[:frame.FixedHeaderLen]); err == nil {
			req.MessageID = h.MessageID
		}
	}

	f, err := frame.Parse(b, Limits)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.IsResponse() || f.IsError() {
		return req, fmt.Errorf("%w: response flags on request", ErrMalformedFrame)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := schema.ValidateRequest(f.Header.MessageType, fields); err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	req.Code = RequestCode(f.Header.MessageType)
	req.Auth = f.Auth
	if fld, ok := tlv.GetField(fields, schema.FieldUserID); ok {
		req.UserID = string(fld.Value)
	}
	if fld, ok := tlv.GetField(fields, schema.FieldConfig); ok {
		req.Config = fld.Value
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// EncodeRequest builds the frame for req.
func EncodeRequest(req Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var fields []tlv.Field
	switch req.Code {
	case ReqSetUser:
		fields = append(fields, tlv.StringField(schema.FieldUserID, req.UserID))
	case ReqSetConfig:
		fields = append(fields, tlv.BytesField(schema.FieldConfig, req.Config))
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   req.MessageID,
			MessageType: uint32(req.Code),
		},
		Auth:    req.Auth,
		Payload: tlv.EncodeFields(fields),
	}, Limits)
}

// EncodeReply builds the frame for r. It never fails: a reply that cannot be
// framed (oversized info blob) is replaced by an Error reply.
func EncodeReply(r Reply) []byte {
	b, err := marshalReply(r)
	if err == nil {
		return b
	}
	b, err = marshalReply(ErrorReply(r.MessageID, r.State, "reply too large: "+err.Error()))
	if err != nil {
		// An Error reply is a few dozen bytes and always fits.
		panic(fmt.Sprintf("control: encode error reply: %v", err))
	}
	return b
}

func marshalReply(r Reply) ([]byte, error) {
	code := r.Code
	if !code.Valid() {
		return nil, fmt.Errorf("control: unknown reply code %d", uint32(code))
	}
	fields := []tlv.Field{tlv.U8Field(schema.FieldState, uint8(r.State))}
	flags := frame.FlagIsResponse
	switch code {
	case RepGotInfo:
		fields = append(fields, tlv.BytesField(schema.FieldInfo, r.Info))
	case RepError:
		reason := r.Reason
		if reason == "" {
			reason = "error"
		}
		fields = append(fields, tlv.StringField(schema.FieldReason, reason))
		flags |= frame.FlagIsError
	case RepUserSet:
		fields = append(fields, tlv.StringField(schema.FieldUserID, r.UserID))
	case RepConfigSet:
		fields = append(fields, tlv.U32Field(schema.FieldConfigVersion, r.ConfigVersion))
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   r.MessageID,
			MessageType: uint32(code),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, Limits)
}

// DecodeReply parses one reply frame.
func DecodeReply(b []byte) (Reply, error) {
	f, err := frame.Parse(b, Limits)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if !f.IsResponse() {
		return Reply{}, ErrNotReply
	}
	code := ReplyCode(f.Header.MessageType)
	if (code == RepError) != f.IsError() {
		return Reply{}, fmt.Errorf("%w: error flag does not match %s", ErrMalformedFrame, code)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := schema.ValidateReply(f.Header.MessageType, fields); err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	r := Reply{MessageID: f.Header.MessageID, Code: code}
	stateField, _ := tlv.GetField(fields, schema.FieldState)
	st, err := tlv.U8FromBytes(stateField.Value)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	r.State = State(st)
	switch code {
	case RepGotInfo:
		fld, _ := tlv.GetField(fields, schema.FieldInfo)
		r.Info = fld.Value
	case RepError:
		fld, _ := tlv.GetField(fields, schema.FieldReason)
		r.Reason = string(fld.Value)
	case RepUserSet:
		fld, _ := tlv.GetField(fields, schema.FieldUserID)
		r.UserID = string(fld.Value)
	case RepConfigSet:
		fld, _ := tlv.GetField(fields, schema.FieldConfigVersion)
		v, err := tlv.U32FromBytes(fld.Value)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		r.ConfigVersion = v
	}
	return r, nil
}

package schema

import (
	"fmt"

	"github.com/danmuck/robctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. Request code N is answered by reply code N, except that
// any request may be answered by CodeError.
const (
	CodeGetInfo    uint32 = 0
	CodeDisable    uint32 = 1
	CodeEnable     uint32 = 2
	CodeReset      uint32 = 3
	CodePassivate  uint32 = 4
	CodeOperate    uint32 = 5
	CodeOffset     uint32 = 6
	CodeCalibrate  uint32 = 7
	CodePreprocess uint32 = 8
	CodeSetUser    uint32 = 9
	CodeSetConfig  uint32 = 10

	// CodeError shares its value with CodeReset on the reply side.
	CodeError uint32 = CodeReset

	MaxCode = CodeSetConfig
)

// Field IDs from tlv contract.
const (
	FieldUserID        uint16 = 1
	FieldConfig        uint16 = 2
	FieldInfo          uint16 = 3
	FieldReason        uint16 = 4
	FieldState         uint16 = 5
	FieldConfigVersion uint16 = 6
)

type Requirement struct {
	ID       uint16
	Type     uint8
	NonEmpty bool
}

type ValidationError struct {
	Reply       bool
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	kind := "request"
	if e.Reply {
		kind = "reply"
	}
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: %s message_type=%d: %s", kind, e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: %s message_type=%d field=%d: %s", kind, e.MessageType, e.FieldID, e.Reason)
}

var requestRequirements = map[uint32][]Requirement{
	CodeGetInfo:    nil,
	CodeDisable:    nil,
	CodeEnable:     nil,
	CodeReset:      nil,
	CodePassivate:  nil,
	CodeOperate:    nil,
	CodeOffset:     nil,
	CodeCalibrate:  nil,
	CodePreprocess: nil,
	CodeSetUser:    {{FieldUserID, tlv.TypeString, true}},
	CodeSetConfig:  {{FieldConfig, tlv.TypeBytes, true}},
}

var stateField = Requirement{FieldState, tlv.TypeU8, false}

var replyRequirements = map[uint32][]Requirement{
	CodeGetInfo:    {stateField, {FieldInfo, tlv.TypeBytes, false}},
	CodeDisable:    {stateField},
	CodeEnable:     {stateField},
	CodeError:      {stateField, {FieldReason, tlv.TypeString, true}},
	CodePassivate:  {stateField},
	CodeOperate:    {stateField},
	CodeOffset:     {stateField},
	CodeCalibrate:  {stateField},
	CodePreprocess: {stateField},
	CodeSetUser:    {stateField, {FieldUserID, tlv.TypeString, true}},
	CodeSetConfig:  {stateField, {FieldConfigVersion, tlv.TypeU32, false}},
}

// ValidateRequest enforces the exact payload shape of a request: every
// required field present with the right type, and no other fields.
func ValidateRequest(messageType uint32, fields []tlv.Field) error {
	log.Debug().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.ValidateRequest")
	reqs, ok := requestRequirements[messageType]
	if !ok {
		log.Warn().Uint32("message_type", messageType).Msg("schema.ValidateRequest unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	if err := checkRequired(false, messageType, reqs, fields); err != nil {
		return err
	}
	for _, f := range fields {
		if !declared(reqs, f.ID) {
			log.Warn().
				Uint32("message_type", messageType).
				Uint16("field_id", f.ID).
				Msg("schema.ValidateRequest unexpected field")
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "unexpected field"}
		}
	}
	return nil
}

// ValidateReply enforces required reply fields. Unknown fields are ignored.
func ValidateReply(messageType uint32, fields []tlv.Field) error {
	reqs, ok := replyRequirements[messageType]
	if !ok {
		return ValidationError{Reply: true, MessageType: messageType, Reason: "unknown message_type"}
	}
	return checkRequired(true, messageType, reqs, fields)
}

func checkRequired(reply bool, messageType uint32, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Warn().
				Bool("reply", reply).
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema missing field")
			return ValidationError{Reply: reply, MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Warn().
				Bool("reply", reply).
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema type mismatch")
			return ValidationError{Reply: reply, MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
		if req.NonEmpty && len(f.Value) == 0 {
			return ValidationError{Reply: reply, MessageType: messageType, FieldID: req.ID, Reason: "empty value"}
		}
	}
	return nil
}

func declared(reqs []Requirement, id uint16) bool {
	for _, req := range reqs {
		if req.ID == id {
			return true
		}
	}
	return false
}

package control

import (
	"fmt"
	"strings"
)

// Reply reasons used by the controller.
const (
	ReasonInvalidTransition = "invalid in current state"
	ReasonMalformed         = "malformed request"
	ReasonUnauthorized      = "unauthorized"
	ReasonUnavailable       = "controller unavailable"
)

const maxReasonLen = 512

// Request is one decoded client request. UserID is set only for SetUser and
// Config only for SetConfig.
type Request struct {
	MessageID uint64
	Code      RequestCode
	UserID    string
	Config    []byte
	Auth      []byte
}

// Validate checks the payload shape against Code.
func (r Request) Validate() error {
	if !r.Code.Valid() {
		return fmt.Errorf("%w: unknown code %d", ErrMalformedFrame, uint32(r.Code))
	}
	switch r.Code {
	case ReqSetUser:
		if strings.TrimSpace(r.UserID) == "" {
			return fmt.Errorf("%w: %s requires user_id", ErrMalformedFrame, r.Code)
		}
		if len(r.Config) > 0 {
			return fmt.Errorf("%w: %s carries config", ErrMalformedFrame, r.Code)
		}
	case ReqSetConfig:
		if len(r.Config) == 0 {
			return fmt.Errorf("%w: %s requires config", ErrMalformedFrame, r.Code)
		}
		if r.UserID != "" {
			return fmt.Errorf("%w: %s carries user_id", ErrMalformedFrame, r.Code)
		}
	default:
		if r.UserID != "" || len(r.Config) > 0 {
			return fmt.Errorf("%w: %s carries a payload", ErrMalformedFrame, r.Code)
		}
	}
	return nil
}

// Reply is one controller reply. State is the robot state after the request
// was processed. Info is set for GotInfo, Reason for Error, UserID for
// UserSet and ConfigVersion for ConfigSet.
type Reply struct {
	MessageID     uint64
	Code          ReplyCode
	State         State
	Info          []byte
	Reason        string
	UserID        string
	ConfigVersion uint32
}

// IsError reports whether the reply rejects the request.
func (r Reply) IsError() bool {
	return r.Code == RepError
}

// ErrorReply builds an Error reply. An empty reason is replaced so the
// reply always satisfies the wire schema.
func ErrorReply(messageID uint64, state State, reason string) Reply {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "error"
	}
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return Reply{
		MessageID: messageID,
		Code:      RepError,
		State:     state,
		Reason:    reason,
	}
}

func (r Reply) String() string {
	if r.IsError() {
		return fmt.Sprintf("%s{%s} state=%s", r.Code, r.Reason, r.State)
	}
	return fmt.Sprintf("%s state=%s", r.Code, r.State)
}

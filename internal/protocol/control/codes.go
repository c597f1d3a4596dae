package control

import (
	"fmt"
	"strings"

	"github.com/danmuck/robctl/internal/protocol/schema"
)

// RequestCode is the message type of a client request frame.
type RequestCode uint32

const (
	ReqGetInfo    = RequestCode(schema.CodeGetInfo)
	ReqDisable    = RequestCode(schema.CodeDisable)
	ReqEnable     = RequestCode(schema.CodeEnable)
	ReqReset      = RequestCode(schema.CodeReset)
	ReqPassivate  = RequestCode(schema.CodePassivate)
	ReqOperate    = RequestCode(schema.CodeOperate)
	ReqOffset     = RequestCode(schema.CodeOffset)
	ReqCalibrate  = RequestCode(schema.CodeCalibrate)
	ReqPreprocess = RequestCode(schema.CodePreprocess)
	ReqSetUser    = RequestCode(schema.CodeSetUser)
	ReqSetConfig  = RequestCode(schema.CodeSetConfig)
)

var requestNames = map[RequestCode]string{
	ReqGetInfo:    "ROBOT_REQ_GET_INFO",
	ReqDisable:    "ROBOT_REQ_DISABLE",
	ReqEnable:     "ROBOT_REQ_ENABLE",
	ReqReset:      "ROBOT_REQ_RESET",
	ReqPassivate:  "ROBOT_REQ_PASSIVATE",
	ReqOperate:    "ROBOT_REQ_OPERATE",
	ReqOffset:     "ROBOT_REQ_OFFSET",
	ReqCalibrate:  "ROBOT_REQ_CALIBRATE",
	ReqPreprocess: "ROBOT_REQ_PREPROCESS",
	ReqSetUser:    "ROBOT_REQ_SET_USER",
	ReqSetConfig:  "ROBOT_REQ_SET_CONFIG",
}

func (c RequestCode) String() string {
	if name, ok := requestNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ROBOT_REQ_UNKNOWN(%d)", uint32(c))
}

func (c RequestCode) Valid() bool {
	_, ok := requestNames[c]
	return ok
}

// AllRequests lists every request code in wire order.
func AllRequests() []RequestCode {
	return []RequestCode{
		ReqGetInfo, ReqDisable, ReqEnable, ReqReset, ReqPassivate, ReqOperate,
		ReqOffset, ReqCalibrate, ReqPreprocess, ReqSetUser, ReqSetConfig,
	}
}

// ParseRequestCode accepts a wire name ("ROBOT_REQ_ENABLE") or its short
// form ("enable", "set_user").
func ParseRequestCode(s string) (RequestCode, bool) {
	for code, name := range requestNames {
		if s == name || s == shortName(name, "ROBOT_REQ_") {
			return code, true
		}
	}
	return 0, false
}

// ReplyCode is the message type of a controller reply frame.
type ReplyCode uint32

const (
	RepGotInfo       = ReplyCode(schema.CodeGetInfo)
	RepDisabled      = ReplyCode(schema.CodeDisable)
	RepEnabled       = ReplyCode(schema.CodeEnable)
	RepError         = ReplyCode(schema.CodeError)
	RepPassive       = ReplyCode(schema.CodePassivate)
	RepOperating     = ReplyCode(schema.CodeOperate)
	RepOffsetting    = ReplyCode(schema.CodeOffset)
	RepCalibrating   = ReplyCode(schema.CodeCalibrate)
	RepPreprocessing = ReplyCode(schema.CodePreprocess)
	RepUserSet       = ReplyCode(schema.CodeSetUser)
	RepConfigSet     = ReplyCode(schema.CodeSetConfig)
)

var replyNames = map[ReplyCode]string{
	RepGotInfo:       "ROBOT_REP_GOT_INFO",
	RepDisabled:      "ROBOT_REP_DISABLED",
	RepEnabled:       "ROBOT_REP_ENABLED",
	RepError:         "ROBOT_REP_ERROR",
	RepPassive:       "ROBOT_REP_PASSIVE",
	RepOperating:     "ROBOT_REP_OPERATING",
	RepOffsetting:    "ROBOT_REP_OFFSETTING",
	RepCalibrating:   "ROBOT_REP_CALIBRATING",
	RepPreprocessing: "ROBOT_REP_PREPROCESSING",
	RepUserSet:       "ROBOT_REP_USER_SET",
	RepConfigSet:     "ROBOT_REP_CONFIG_SET",
}

func (c ReplyCode) String() string {
	if name, ok := replyNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ROBOT_REP_UNKNOWN(%d)", uint32(c))
}

func (c ReplyCode) Valid() bool {
	_, ok := replyNames[c]
	return ok
}

// CarriedState returns the robot state a state-carrying reply asserts.
func (c ReplyCode) CarriedState() (State, bool) {
	switch c {
	case RepDisabled:
		return StateDisabled, true
	case RepEnabled, RepPassive:
		return StateIdle, true
	case RepOperating:
		return StateOperating, true
	case RepOffsetting:
		return StateOffsetting, true
	case RepCalibrating:
		return StateCalibrating, true
	case RepPreprocessing:
		return StatePreprocessing, true
	default:
		return StateUnknown, false
	}
}

// SuccessReply is the reply code a request receives when it is accepted.
func SuccessReply(c RequestCode) ReplyCode {
	switch c {
	case ReqReset:
		return RepDisabled
	default:
		return ReplyCode(c)
	}
}

func shortName(name, prefix string) string {
	return strings.ToLower(strings.TrimPrefix(name, prefix))
}

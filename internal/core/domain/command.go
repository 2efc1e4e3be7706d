package domain

import "time"

type Method string

const (
	MethodGet   Method = "get"
	MethodSet   Method = "set"
	MethodSub   Method = "sub"
	MethodUnsub Method = "unsub"
)

// Format selects how the device renders a value.
type Format string

const (
	FormatString  Format = "str"
	FormatValue   Format = "val"
	FormatPercent Format = "pct"
	// FormatAny leaves rendering to the device. A get in this format
	// accepts an ack, a string or a number.
	FormatAny Format = ""
)

// Command is one request to the device. Value is only used by set and must
// be a string, a bool or a number.
type Command struct {
	Method Method
	Param  string
	Format Format
	Value  any
}

type ReplyKind int

const (
	ReplyString ReplyKind = iota + 1
	ReplyNumeric
	ReplyAck
	ReplyError
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyString:
		return "string"
	case ReplyNumeric:
		return "numeric"
	case ReplyAck:
		return "ack"
	case ReplyError:
		return "error"
	}
	return "unknown"
}

// Reply is a decoded device reply. Only the fields of its Kind are set.
type Reply struct {
	Kind    ReplyKind
	Param   string
	Str     string
	Value   float64
	Peak    *float64
	Clip    bool
	Code    int
	Message string
}

// Notification is a frame pushed by the device without a request.
type Notification struct {
	Param      string
	Value      float64
	HasValue   bool
	Peak       *float64
	Clip       bool
	Str        string
	ReceivedAt time.Time
}

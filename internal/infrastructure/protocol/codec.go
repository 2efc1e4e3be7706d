package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dsplink/internal/core/domain"
)

const jsonRPCVersion = "2.0"

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  domain.Method `json:"method"`
	Params  requestParams `json:"params"`
	ID      uint64        `json:"id"`
}

type requestParams struct {
	Param  string        `json:"param"`
	Format domain.Format `json:"fmt,omitempty"`
	Val    *float64      `json:"val,omitempty"`
	Str    *string       `json:"str,omitempty"`
}

type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireValue struct {
	Param string   `json:"param"`
	Str   *string  `json:"str"`
	Val   *float64 `json:"val"`
	Pct   *float64 `json:"pct"`
	Peak  *float64 `json:"peak"`
	Clip  *bool    `json:"clip"`
}

// frame is one decoded line: a reply to request ID, or a pushed notification.
type frame struct {
	id           uint64
	notification bool
	raw          wireFrame
	line         string
}

// EncodeCommand renders cmd as a single newline-terminated request line.
func EncodeCommand(id uint64, cmd domain.Command) ([]byte, error) {
	if cmd.Param == "" {
		return nil, fmt.Errorf("encode %s: empty parameter name", cmd.Method)
	}
	req := request{
		JSONRPC: jsonRPCVersion,
		Method:  cmd.Method,
		Params:  requestParams{Param: cmd.Param, Format: cmd.Format},
		ID:      id,
	}

	switch cmd.Method {
	case domain.MethodGet, domain.MethodSub, domain.MethodUnsub:
		if cmd.Value != nil {
			return nil, fmt.Errorf("encode %s %s: unexpected value", cmd.Method, cmd.Param)
		}
	case domain.MethodSet:
		if err := setValue(&req.Params, cmd.Value); err != nil {
			return nil, fmt.Errorf("encode set %s: %w", cmd.Param, err)
		}
	default:
		return nil, fmt.Errorf("encode: unknown method %q", cmd.Method)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", cmd.Method, cmd.Param, err)
	}
	return append(data, '\n'), nil
}

func setValue(p *requestParams, v any) error {
	var f float64
	switch val := v.(type) {
	case string:
		p.Str = &val
		return nil
	case bool:
		if val {
			f = 1
		}
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case float32:
		f = float64(val)
	case float64:
		f = val
	case nil:
		return fmt.Errorf("missing value")
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	p.Val = &f
	return nil
}

// decodeFrame parses one line off the wire. Lines that are neither a reply
// with an id nor an update notification are protocol errors.
func decodeFrame(line []byte) (frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	var raw wireFrame
	if err := json.Unmarshal(line, &raw); err != nil {
		return frame{}, &domain.ProtocolError{Reason: "malformed frame", Raw: string(line)}
	}
	if raw.JSONRPC != "" && raw.JSONRPC != jsonRPCVersion {
		return frame{}, &domain.ProtocolError{Reason: "unsupported jsonrpc version", Raw: string(line)}
	}

	if raw.ID == nil {
		if raw.Method != "update" || len(raw.Params) == 0 {
			return frame{}, &domain.ProtocolError{Reason: "unsolicited frame", Raw: string(line)}
		}
		return frame{notification: true, raw: raw, line: string(line)}, nil
	}
	return frame{id: *raw.ID, raw: raw, line: string(line)}, nil
}

// decodeNotification turns an update frame into a Notification.
func decodeNotification(f frame) (domain.Notification, error) {
	var v wireValue
	if err := json.Unmarshal(f.raw.Params, &v); err != nil || v.Param == "" {
		return domain.Notification{}, &domain.ProtocolError{Reason: "malformed update", Raw: f.line}
	}
	n := domain.Notification{Param: v.Param, Peak: v.Peak}
	switch {
	case v.Val != nil:
		n.Value, n.HasValue = *v.Val, true
	case v.Pct != nil:
		n.Value, n.HasValue = *v.Pct, true
	case v.Str != nil:
		n.Str = *v.Str
	default:
		return domain.Notification{}, &domain.ProtocolError{Reason: "update without value", Raw: f.line}
	}
	if v.Clip != nil {
		n.Clip = *v.Clip
	}
	return n, nil
}

// decodeReply maps a reply frame onto the closed set of reply variants and
// checks it against what cmd can legitimately receive.
func decodeReply(f frame, cmd domain.Command) (domain.Reply, error) {
	raw := f.raw
	switch {
	case raw.Error != nil && len(raw.Result) == 0:
		return domain.Reply{
			Kind:    domain.ReplyError,
			Param:   cmd.Param,
			Code:    raw.Error.Code,
			Message: raw.Error.Message,
		}, nil
	case raw.Error != nil || len(raw.Result) == 0:
		return domain.Reply{}, &domain.ProtocolError{Reason: "reply needs exactly one of result or error", Raw: f.line}
	}

	reply, err := decodeResult(raw.Result)
	if err != nil {
		return domain.Reply{}, &domain.ProtocolError{Reason: err.Error(), Raw: f.line}
	}
	if reply.Param != "" && reply.Param != cmd.Param {
		return domain.Reply{}, &domain.ProtocolError{Reason: "reply for another parameter", Raw: f.line}
	}
	if reply.Param == "" {
		reply.Param = cmd.Param
	}
	if !accepts(cmd, reply.Kind) {
		return domain.Reply{}, &domain.ProtocolError{
			Reason: fmt.Sprintf("%s reply to %s %s", reply.Kind, cmd.Method, cmd.Format),
			Raw:    f.line,
		}
	}
	return reply, nil
}

func decodeResult(result json.RawMessage) (domain.Reply, error) {
	var token string
	if err := json.Unmarshal(result, &token); err == nil {
		if strings.EqualFold(token, "ok") {
			return domain.Reply{Kind: domain.ReplyAck}, nil
		}
		return domain.Reply{}, fmt.Errorf("unknown result token")
	}

	var v wireValue
	if err := json.Unmarshal(result, &v); err != nil {
		return domain.Reply{}, fmt.Errorf("unrecognized result")
	}
	switch {
	case v.Str != nil && v.Val == nil && v.Pct == nil:
		return domain.Reply{Kind: domain.ReplyString, Param: v.Param, Str: *v.Str}, nil
	case v.Val != nil || v.Pct != nil:
		r := domain.Reply{Kind: domain.ReplyNumeric, Param: v.Param, Peak: v.Peak}
		if v.Val != nil {
			r.Value = *v.Val
		} else {
			r.Value = *v.Pct
		}
		if v.Clip != nil {
			r.Clip = *v.Clip
		}
		return r, nil
	}
	return domain.Reply{}, fmt.Errorf("result without value")
}

func accepts(cmd domain.Command, kind domain.ReplyKind) bool {
	switch cmd.Method {
	case domain.MethodGet:
		switch cmd.Format {
		case domain.FormatAny:
			return kind == domain.ReplyAck || kind == domain.ReplyString || kind == domain.ReplyNumeric
		case domain.FormatString:
			return kind == domain.ReplyString
		}
		return kind == domain.ReplyNumeric
	case domain.MethodSet:
		return kind == domain.ReplyAck || kind == domain.ReplyNumeric || kind == domain.ReplyString
	case domain.MethodSub:
		return kind == domain.ReplyAck || kind == domain.ReplyNumeric
	case domain.MethodUnsub:
		return kind == domain.ReplyAck
	}
	return false
}

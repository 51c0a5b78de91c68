// Package transport implements the Transport Gateway (C9): a
// gorilla/websocket acceptor per worker that decodes the five wire
// message shapes of §6 and dispatches them to a connection.Session, plus
// a gin-based admin surface (/healthz, /metrics) that never touches
// component data.
package transport

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the five client-to-server or server-to-client
// wire message shapes (§6).
type Kind string

const (
	KindRPC    Kind = "rpc"
	KindRsp    Kind = "rsp"
	KindSub    Kind = "sub"
	KindSubOk  Kind = "subOk"
	KindUnsub  Kind = "unsub"
	KindUpdate Kind = "updt"
)

// RPCRequest is ["rpc", systemName, arg...].
type RPCRequest struct {
	System string
	Args   []interface{}
}

// SubRequest is ["sub", component, "get"|"range", indexColumn, ...].
// For "get": [component, "get", indexColumn, value].
// For "range": [component, "range", indexColumn, left, right, limit, desc, force].
type SubRequest struct {
	Component string
	Mode      string // "get" or "range"
	IndexCol  string
	Value     interface{}   // "get" mode
	Left      interface{}   // "range" mode; nil means unbounded, a number bounds a numeric column, a string bounds a string/bytes column
	Right     interface{}   // "range" mode
	Limit     int           // "range" mode
	Desc      bool          // "range" mode
	Force     bool          // "range" mode
}

// UnsubRequest is ["unsub", subId].
type UnsubRequest struct {
	SubID string
}

// Codec turns raw transport frames into typed requests and typed
// responses back into raw frames. The external compression/encryption
// pipeline is out of scope (§1); Codec is the seam a future binary or
// compressed implementation would replace.
type Codec interface {
	DecodeClientFrame(raw []byte) (kind Kind, rpcReq *RPCRequest, subReq *SubRequest, unsubReq *UnsubRequest, err error)
	EncodeResponse(payload interface{}) ([]byte, error)
	EncodeError(code string, message string, details map[string]interface{}) ([]byte, error)
	EncodeSubOk(subID string, snapshot interface{}) ([]byte, error)
	EncodeUpdate(subID string, rows map[uint64]interface{}) ([]byte, error)
}

// JSONCodec implements Codec over JSON arrays, the default and only
// shipped wire format.
type JSONCodec struct{}

func (JSONCodec) DecodeClientFrame(raw []byte) (Kind, *RPCRequest, *SubRequest, *UnsubRequest, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", nil, nil, nil, fmt.Errorf("transport: malformed frame: %w", err)
	}
	if len(frame) == 0 {
		return "", nil, nil, nil, fmt.Errorf("transport: empty frame")
	}

	var kind Kind
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return "", nil, nil, nil, fmt.Errorf("transport: frame missing message kind: %w", err)
	}

	switch kind {
	case KindRPC:
		req, err := decodeRPCRequest(frame)
		return kind, req, nil, nil, err
	case KindSub:
		req, err := decodeSubRequest(frame)
		return kind, nil, req, nil, err
	case KindUnsub:
		req, err := decodeUnsubRequest(frame)
		return kind, nil, nil, req, err
	default:
		return "", nil, nil, nil, fmt.Errorf("transport: unknown client message kind %q", kind)
	}
}

func decodeRPCRequest(frame []json.RawMessage) (*RPCRequest, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("transport: rpc frame missing system name")
	}
	var system string
	if err := json.Unmarshal(frame[1], &system); err != nil {
		return nil, fmt.Errorf("transport: rpc frame system name: %w", err)
	}
	args := make([]interface{}, 0, len(frame)-2)
	for _, raw := range frame[2:] {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("transport: rpc frame arg: %w", err)
		}
		args = append(args, v)
	}
	return &RPCRequest{System: system, Args: args}, nil
}

func decodeSubRequest(frame []json.RawMessage) (*SubRequest, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("transport: sub frame too short")
	}
	var component, mode, indexCol string
	if err := json.Unmarshal(frame[1], &component); err != nil {
		return nil, fmt.Errorf("transport: sub frame component: %w", err)
	}
	if err := json.Unmarshal(frame[2], &mode); err != nil {
		return nil, fmt.Errorf("transport: sub frame mode: %w", err)
	}
	if err := json.Unmarshal(frame[3], &indexCol); err != nil {
		return nil, fmt.Errorf("transport: sub frame index column: %w", err)
	}

	req := &SubRequest{Component: component, Mode: mode, IndexCol: indexCol}
	switch mode {
	case "get":
		if len(frame) < 5 {
			return nil, fmt.Errorf("transport: sub get frame missing value")
		}
		if err := json.Unmarshal(frame[4], &req.Value); err != nil {
			return nil, fmt.Errorf("transport: sub get frame value: %w", err)
		}
	case "range":
		if len(frame) < 9 {
			return nil, fmt.Errorf("transport: sub range frame too short")
		}
		if err := json.Unmarshal(frame[4], &req.Left); err != nil {
			return nil, fmt.Errorf("transport: sub range frame left: %w", err)
		}
		if err := json.Unmarshal(frame[5], &req.Right); err != nil {
			return nil, fmt.Errorf("transport: sub range frame right: %w", err)
		}
		if err := json.Unmarshal(frame[6], &req.Limit); err != nil {
			return nil, fmt.Errorf("transport: sub range frame limit: %w", err)
		}
		if err := json.Unmarshal(frame[7], &req.Desc); err != nil {
			return nil, fmt.Errorf("transport: sub range frame desc: %w", err)
		}
		if err := json.Unmarshal(frame[8], &req.Force); err != nil {
			return nil, fmt.Errorf("transport: sub range frame force: %w", err)
		}
	default:
		return nil, fmt.Errorf("transport: unknown sub mode %q", mode)
	}
	return req, nil
}

func decodeUnsubRequest(frame []json.RawMessage) (*UnsubRequest, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("transport: unsub frame missing subId")
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return nil, fmt.Errorf("transport: unsub frame subId: %w", err)
	}
	return &UnsubRequest{SubID: subID}, nil
}

func (JSONCodec) EncodeResponse(payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{KindRsp, payload})
}

func (JSONCodec) EncodeError(code string, message string, details map[string]interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{KindRsp, map[string]interface{}{
		"error":   code,
		"message": message,
		"details": details,
	}})
}

func (JSONCodec) EncodeSubOk(subID string, snapshot interface{}) ([]byte, error) {
	if subID == "" {
		return json.Marshal([]interface{}{KindSubOk, nil, snapshot})
	}
	return json.Marshal([]interface{}{KindSubOk, subID, snapshot})
}

func (JSONCodec) EncodeUpdate(subID string, rows map[uint64]interface{}) ([]byte, error) {
	byKey := make(map[string]interface{}, len(rows))
	for id, row := range rows {
		byKey[fmt.Sprintf("%d", id)] = row
	}
	return json.Marshal([]interface{}{KindUpdate, subID, byKey})
}

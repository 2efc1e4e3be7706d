// Package testutil provides an in-process processor that speaks the control
// protocol, for tests that need a real socket.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dsplink/internal/core/domain"
)

type fakeRequest struct {
	Method string `json:"method"`
	Params struct {
		Param  string   `json:"param"`
		Format string   `json:"fmt"`
		Val    *float64 `json:"val"`
		Str    *string  `json:"str"`
	} `json:"params"`
	ID uint64 `json:"id"`
}

// FakeDevice answers get/set/sub/unsub over TCP on 127.0.0.1.
type FakeDevice struct {
	t  testing.TB
	ln net.Listener

	mu        sync.Mutex
	params    map[string]any
	silent    map[string]bool
	rejected  map[string]bool
	garbage   map[string]bool
	acked     map[string]bool
	subs      map[string]bool
	conns     map[net.Conn]*sync.Mutex
	delay     time.Duration
	requests  map[string]int
	accepts   atomic.Int32
	closeOnce sync.Once
}

func NewFakeDevice(t testing.TB) *FakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &FakeDevice{
		t:        t,
		ln:       ln,
		params:   make(map[string]any),
		silent:   make(map[string]bool),
		rejected: make(map[string]bool),
		garbage:  make(map[string]bool),
		acked:    make(map[string]bool),
		subs:     make(map[string]bool),
		conns:    make(map[net.Conn]*sync.Mutex),
		requests: make(map[string]int),
	}
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// Endpoint returns an endpoint pointing at the fake device.
func (d *FakeDevice) Endpoint(id string, counts domain.ChannelCounts) domain.DeviceEndpoint {
	addr := d.ln.Addr().(*net.TCPAddr)
	return domain.DeviceEndpoint{
		ID:             domain.DeviceID(id),
		Address:        addr.IP.String(),
		Port:           addr.Port,
		Channels:       counts,
		ConnectTimeout: time.Second,
		CommandTimeout: 200 * time.Millisecond,
		Retries:        1,
	}
}

func (d *FakeDevice) SetParam(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch v := value.(type) {
	case int:
		d.params[name] = float64(v)
	default:
		d.params[name] = value
	}
}

func (d *FakeDevice) Param(name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.params[name]
	return v, ok
}

// Silence makes the device never answer requests for param.
func (d *FakeDevice) Silence(param string) {
	d.mu.Lock()
	d.silent[param] = true
	d.mu.Unlock()
}

// Reject makes the device answer requests for param with an error token.
func (d *FakeDevice) Reject(param string) {
	d.mu.Lock()
	d.rejected[param] = true
	d.mu.Unlock()
}

// Garble makes the device answer requests for param with a malformed line.
func (d *FakeDevice) Garble(param string) {
	d.mu.Lock()
	d.garbage[param] = true
	d.mu.Unlock()
}

// AckGets makes the device answer get requests for param with a bare OK.
func (d *FakeDevice) AckGets(param string) {
	d.mu.Lock()
	d.acked[param] = true
	d.mu.Unlock()
}

// SetDelay delays every reply.
func (d *FakeDevice) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Accepts returns how many connections the device accepted.
func (d *FakeDevice) Accepts() int { return int(d.accepts.Load()) }

// Requests returns how many requests of method were received.
func (d *FakeDevice) Requests(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[method]
}

func (d *FakeDevice) Subscribed(param string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[param]
}

func (d *FakeDevice) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// PushMeter sends an unsolicited update frame to every open connection.
func (d *FakeDevice) PushMeter(param string, level, peak float64, clip bool) {
	line := fmt.Sprintf(`{"jsonrpc":"2.0","method":"update","params":{"param":%q,"val":%s,"peak":%s,"clip":%t}}`+"\n",
		param, strconv.FormatFloat(level, 'f', -1, 64), strconv.FormatFloat(peak, 'f', -1, 64), clip)
	d.broadcast(line)
}

// PushRaw sends line, which must end in a newline, to every open connection.
func (d *FakeDevice) PushRaw(line string) {
	d.broadcast(line)
}

func (d *FakeDevice) broadcast(line string) {
	d.mu.Lock()
	conns := make(map[net.Conn]*sync.Mutex, len(d.conns))
	for c, m := range d.conns {
		conns[c] = m
	}
	d.mu.Unlock()
	for c, m := range conns {
		m.Lock()
		_, _ = c.Write([]byte(line))
		m.Unlock()
	}
}

// DropConnections closes every accepted connection, simulating link loss.
func (d *FakeDevice) DropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.conns {
		_ = c.Close()
	}
	d.conns = make(map[net.Conn]*sync.Mutex)
	d.subs = make(map[string]bool)
}

func (d *FakeDevice) Close() {
	d.closeOnce.Do(func() {
		_ = d.ln.Close()
		d.DropConnections()
	})
}

func (d *FakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.accepts.Add(1)
		wmu := &sync.Mutex{}
		d.mu.Lock()
		d.conns[conn] = wmu
		d.mu.Unlock()
		go d.handle(conn, wmu)
	}
}

func (d *FakeDevice) handle(conn net.Conn, wmu *sync.Mutex) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		_ = conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		reply, ok := d.answer(req)
		if !ok {
			continue
		}
		d.mu.Lock()
		delay := d.delay
		d.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		wmu.Lock()
		_, err := conn.Write([]byte(reply + "\n"))
		wmu.Unlock()
		if err != nil {
			return
		}
	}
}

func (d *FakeDevice) answer(req fakeRequest) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	param := req.Params.Param
	d.requests[req.Method]++
	if d.silent[param] {
		return "", false
	}
	if d.garbage[param] {
		return "this is not json", true
	}
	if d.rejected[param] {
		return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"invalid parameter"},"id":%d}`, req.ID), true
	}

	switch req.Method {
	case "get":
		if d.acked[param] {
			return fmt.Sprintf(`{"jsonrpc":"2.0","result":"OK","id":%d}`, req.ID), true
		}
		v, ok := d.params[param]
		if !ok {
			return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"unknown parameter"},"id":%d}`, req.ID), true
		}
		if req.Params.Format == "str" {
			s, isString := v.(string)
			if !isString {
				s = fmt.Sprint(v)
			}
			return fmt.Sprintf(`{"jsonrpc":"2.0","result":{"param":%q,"str":%q},"id":%d}`, param, s, req.ID), true
		}
		f, isNumber := v.(float64)
		if b, isBool := v.(bool); isBool && b {
			f, isNumber = 1, true
		} else if isBool {
			f, isNumber = 0, true
		}
		if !isNumber {
			return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"not numeric"},"id":%d}`, req.ID), true
		}
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":{"param":%q,"val":%s},"id":%d}`,
			param, strconv.FormatFloat(f, 'f', -1, 64), req.ID), true
	case "set":
		switch {
		case req.Params.Str != nil:
			d.params[param] = *req.Params.Str
		case req.Params.Val != nil:
			d.params[param] = *req.Params.Val
		}
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":"OK","id":%d}`, req.ID), true
	case "sub":
		d.subs[param] = true
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":"OK","id":%d}`, req.ID), true
	case "unsub":
		delete(d.subs, param)
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":"OK","id":%d}`, req.ID), true
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"method not found"},"id":%d}`, req.ID), true
}

// RefusedEndpoint returns an endpoint on a local port nothing listens on.
func RefusedEndpoint(t testing.TB, id string, counts domain.ChannelCounts) domain.DeviceEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return domain.DeviceEndpoint{
		ID:             domain.DeviceID(id),
		Address:        "127.0.0.1",
		Port:           port,
		Channels:       counts,
		ConnectTimeout: 200 * time.Millisecond,
		CommandTimeout: 200 * time.Millisecond,
	}
}

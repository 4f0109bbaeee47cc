// Package ws provides a WebSocket client for the genbatch gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/genbatch/internal/gateway/ws"
	"github.com/dohr-michael/genbatch/internal/orchestrator"
)

// Client is a WebSocket client for the genbatch gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Call sends a request and waits for its response. Event frames received in
// the meantime are dropped.
func (c *Client) Call(method wsprotocol.Method, params any) (json.RawMessage, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	frame, err := wsprotocol.NewRequestFrame(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("ws write: %w", err)
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			return nil, err
		}
		if f.Type != wsprotocol.FrameTypeResponse || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			return nil, errors.New(f.Error)
		}
		return f.Payload, nil
	}
}

// Status returns the current run state.
func (c *Client) Status() (orchestrator.RunState, error) {
	var st orchestrator.RunState
	raw, err := c.Call(wsprotocol.MethodStatus, nil)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

// Stop asks the running batch to halt.
func (c *Client) Stop() error {
	_, err := c.Call(wsprotocol.MethodStop, nil)
	return err
}

// Reset stops any run and returns the cleared state.
func (c *Client) Reset() (orchestrator.RunState, error) {
	var st orchestrator.RunState
	raw, err := c.Call(wsprotocol.MethodReset, nil)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

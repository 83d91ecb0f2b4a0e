package client

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sashimono/agent/pkg/message"
)

const (
	requestTimeout = 2 * time.Minute
	maxDatagram    = 128 * 1024
)

// Client is a thin one-shot client for the agent's local control socket.
// Each request opens a fresh connection, writes one datagram and reads one
// response datagram, matching the server's sequenced-packet contract.
type Client struct {
	socketPath string
}

// NewClient builds a client for the socket at socketPath
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send delivers a raw JSON control message and returns the raw response
func (c *Client) Send(raw []byte) ([]byte, error) {
	addr := &net.UnixAddr{Name: c.socketPath, Net: "unixpacket"}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent socket: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}

	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return buf[:n], nil
}

// Request marshals req, sends it, and decodes the response envelope
func (c *Client) Request(req interface{}) (*message.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := c.Send(raw)
	if err != nil {
		return nil, err
	}

	var resp message.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}

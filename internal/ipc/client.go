package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonNotRunning is returned when the control socket cannot be
// reached.
var ErrDaemonNotRunning = errors.New("ipc: daemon is not running")

// Client sends one-shot requests to a running daemon.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a Client for the given socket path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: 5 * time.Second}
}

// Do sends one request and reads one response.
func (c *Client) Do(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, errors.New("ipc: connection closed without response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Ping reports whether a daemon is serving the socket.
func (c *Client) Ping() bool {
	resp, err := c.Do(&Request{Op: OpPing})
	return err == nil && resp.OK
}

// Status fetches the daemon snapshot.
func (c *Client) Status() (*StatusPayload, error) {
	resp, err := c.Do(&Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	if !resp.OK || resp.Status == nil {
		return nil, fmt.Errorf("ipc: status failed: %s", resp.Error)
	}
	return resp.Status, nil
}

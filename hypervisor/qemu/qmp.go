package qemu

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// qmpClient is a minimal QEMU Machine Protocol client: enough to negotiate
// capabilities, send system_powerdown, and detect the monitor socket closing
// (our exit signal, since -daemonize detaches the process from our exec.Cmd).
type qmpClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialQMP(ctx context.Context, socketPath string) (*qmpClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial qmp %s: %w", socketPath, err)
	}
	c := &qmpClient{conn: conn, r: bufio.NewReader(conn)}

	// Greeting line.
	if _, err := c.r.ReadString('\n'); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("qmp greeting: %w", err)
	}
	if err := c.send(map[string]any{"execute": "qmp_capabilities"}); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	if _, err := c.r.ReadString('\n'); err != nil { // capabilities ack
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("qmp capabilities ack: %w", err)
	}
	return c, nil
}

func (c *qmpClient) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal qmp command: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write qmp command: %w", err)
	}
	return nil
}

// Powerdown issues an ACPI power button press (system_powerdown), the
// graceful-shutdown path: the guest OS decides when to actually exit.
func (c *qmpClient) Powerdown() error {
	return c.send(map[string]any{"execute": "system_powerdown"})
}

// WaitClosed blocks until the QMP socket is closed by qemu (process exit),
// returning true, or until timeout elapses with the connection still open,
// returning false.
func (c *qmpClient) WaitClosed(timeout time.Duration) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1)
	for {
		_, err := c.conn.Read(buf)
		if err == nil {
			continue // drain unsolicited events, keep waiting for EOF
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		return true
	}
}

func (c *qmpClient) Close() error { return c.conn.Close() }

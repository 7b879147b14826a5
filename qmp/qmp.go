// Package qmp implements the two external protocols consumed from the KVM
// control channel (spec §6): QEMU's QMP command/response protocol over a
// Unix-domain socket, and the binary framed "pmemaccess" memory-server
// protocol used once a patched-QEMU memory server has been enabled.
//
// Neither QMP nor libvirt itself is reimplemented here — govmi only speaks
// the wire formats it needs, exactly as spec §6 describes them.
package qmp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"govmi/vmierr"
)

// Client is a line-oriented JSON client for a QMP Unix-domain socket.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to a QMP socket at path and consumes the greeting banner.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, vmierr.Wrap("qmp.Dial", vmierr.IOFailed, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	if _, err := c.readObject(); err != nil { // greeting
		conn.Close()
		return nil, vmierr.Wrap("qmp.Dial", vmierr.IOFailed, err)
	}
	if err := c.send(map[string]any{"execute": "qmp_capabilities"}); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := c.readObject(); err != nil {
		conn.Close()
		return nil, vmierr.Wrap("qmp.Dial", vmierr.IOFailed, err)
	}
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) send(cmd map[string]any) error {
	enc, err := json.Marshal(cmd)
	if err != nil {
		return vmierr.Wrap("qmp.send", vmierr.IOFailed, err)
	}
	enc = append(enc, '\n')
	if _, err := c.conn.Write(enc); err != nil {
		return vmierr.Wrap("qmp.send", vmierr.IOFailed, err)
	}
	return nil
}

func (c *Client) readObject() (map[string]any, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, vmierr.Wrap("qmp.readObject", vmierr.IOFailed, err)
	}
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, vmierr.Wrap("qmp.readObject", vmierr.IOFailed, err)
	}
	return obj, nil
}

// Execute issues a QMP command and returns its raw "return" payload,
// untyped: most commands return an object, but human-monitor-command
// returns a plain string and snapshot-create returns a bare number, so
// the caller asserts the shape it expects. A CommandNotFound reply
// (spec §6) surfaces as vmierr.NotSupported; any other "error" reply
// surfaces as vmierr.IOFailed.
func (c *Client) Execute(command string, args map[string]any) (any, error) {
	cmd := map[string]any{"execute": command}
	if args != nil {
		cmd["arguments"] = args
	}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	for {
		obj, err := c.readObject()
		if err != nil {
			return nil, err
		}
		if ev, ok := obj["event"]; ok {
			_ = ev // asynchronous QMP events are not command replies; keep reading
			continue
		}
		if errObj, ok := obj["error"].(map[string]any); ok {
			class, _ := errObj["class"].(string)
			if class == "CommandNotFound" {
				return nil, vmierr.New("qmp.Execute:"+command, vmierr.NotSupported)
			}
			return nil, vmierr.Wrap("qmp.Execute:"+command, vmierr.IOFailed,
				fmt.Errorf("%s: %v", class, errObj["desc"]))
		}
		return obj["return"], nil
	}
}

// SnapshotCreate issues "snapshot-create" and returns the byte count of
// the shared-memory object the hypervisor froze guest pages into.
func (c *Client) SnapshotCreate(shmName string) (uint64, error) {
	ret, err := c.Execute("snapshot-create", map[string]any{"filename": shmName})
	if err != nil {
		return 0, err
	}
	n, ok := ret.(float64)
	if !ok {
		return 0, vmierr.New("qmp.SnapshotCreate", vmierr.IOFailed)
	}
	return uint64(n), nil
}

// HumanMonitorCommand runs a legacy HMP command line ("info registers",
// "xp /Nwx <paddr>") through QMP's human-monitor-command passthrough and
// returns its plain-text output.
func (c *Client) HumanMonitorCommand(line string) (string, error) {
	ret, err := c.Execute("human-monitor-command", map[string]any{"command-line": line})
	if err != nil {
		return "", err
	}
	out, _ := ret.(string)
	return out, nil
}

// EnablePmemaccess issues the "pmemaccess" command that stands up a
// Unix-domain-socket memory server at path.
func (c *Client) EnablePmemaccess(path string) error {
	_, err := c.Execute("pmemaccess", map[string]any{"path": path})
	return err
}

// Stop and Cont implement the Pause/Resume driver capability over QMP.
func (c *Client) Stop() error { _, err := c.Execute("stop", nil); return err }
func (c *Client) Cont() error { _, err := c.Execute("cont", nil); return err }

package qmp

import (
	"encoding/binary"
	"net"
	"time"

	"govmi/vmierr"
)

// reqType enumerates the pmemaccess socket memory-server request types
// (spec §6).
type reqType uint8

const (
	reqQuit  reqType = 0
	reqRead  reqType = 1
	reqWrite reqType = 2
)

// MemoryServer is a client for the KVM patched-QEMU socket memory server:
// a simple framed protocol over a Unix-domain socket. Request =
// {type: u8, address: u64, length: u64} little-endian.
type MemoryServer struct {
	conn net.Conn
}

// DialMemoryServer connects to the pmemaccess socket at path.
func DialMemoryServer(path string) (*MemoryServer, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, vmierr.Wrap("qmp.DialMemoryServer", vmierr.IOFailed, err)
	}
	return &MemoryServer{conn: conn}, nil
}

func (m *MemoryServer) Close() error { return m.conn.Close() }

func (m *MemoryServer) writeHeader(t reqType, address, length uint64) error {
	var buf [17]byte
	buf[0] = byte(t)
	binary.LittleEndian.PutUint64(buf[1:9], address)
	binary.LittleEndian.PutUint64(buf[9:17], length)
	if _, err := m.conn.Write(buf[:]); err != nil {
		return vmierr.Wrap("qmp.MemoryServer.writeHeader", vmierr.IOFailed, err)
	}
	return nil
}

// Read requests `length` bytes at `address`. The server returns `length`
// data bytes followed by a single status byte (1 = ok, 0 = fail).
func (m *MemoryServer) Read(address, length uint64) ([]byte, error) {
	if err := m.writeHeader(reqRead, address, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length+1)
	if _, err := readFull(m.conn, buf); err != nil {
		return nil, vmierr.Wrap("qmp.MemoryServer.Read", vmierr.IOFailed, err)
	}
	if buf[length] != 1 {
		return nil, vmierr.New("qmp.MemoryServer.Read", vmierr.IOFailed)
	}
	return buf[:length], nil
}

// Write sends the request header followed by `length` data bytes; the
// server replies with one status byte.
func (m *MemoryServer) Write(address uint64, data []byte) error {
	if err := m.writeHeader(reqWrite, address, uint64(len(data))); err != nil {
		return err
	}
	if _, err := m.conn.Write(data); err != nil {
		return vmierr.Wrap("qmp.MemoryServer.Write", vmierr.IOFailed, err)
	}
	var status [1]byte
	if _, err := readFull(m.conn, status[:]); err != nil {
		return vmierr.Wrap("qmp.MemoryServer.Write", vmierr.IOFailed, err)
	}
	if status[0] != 1 {
		return vmierr.New("qmp.MemoryServer.Write", vmierr.IOFailed)
	}
	return nil
}

// Quit sends the type-0 request that tells the server to close up.
func (m *MemoryServer) Quit() error {
	return m.writeHeader(reqQuit, 0, 0)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

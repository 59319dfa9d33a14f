/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: conn.go
Description: Frame transport over a pair of unidirectional unix stream sockets. Descriptors
travel as SCM_RIGHTS ancillary data attached to the first bytes of their frame.
*/

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxFDs bounds descriptors accepted with one frame
const maxFDs = 8

// Transport carries messages between the two sides
type Transport interface {
	Send(msg Message) error
	Recv() (Message, error)
	Close() error
}

// Conn is a Transport over unix sockets. send carries frames to the peer, recv from it.
type Conn struct {
	send *net.UnixConn
	recv *net.UnixConn

	sendMu sync.Mutex
	recvMu sync.Mutex
	once   sync.Once
}

// NewConn wraps the two directional sockets
func NewConn(send, recv *net.UnixConn) *Conn {
	return &Conn{send: send, recv: recv}
}

// Send encodes and writes one message
func (c *Conn) Send(msg Message) error {
	frame, fds, err := Encode(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := c.send.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return wrapClosed("send "+msg.Kind.String(), err)
	}
	if n < len(frame) {
		if _, err := c.send.Write(frame[n:]); err != nil {
			return wrapClosed("send "+msg.Kind.String(), err)
		}
	}
	return nil
}

// Recv reads and decodes one message
func (c *Conn) Recv() (Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var header [frameHeaderSize]byte
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	n, oobn, _, _, err := c.recv.ReadMsgUnix(header[:], oob)
	if err != nil {
		return Message{}, wrapClosed("recv", err)
	}
	if n == 0 {
		return Message{}, fmt.Errorf("recv: %w", ErrChannelClosed)
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Message{}, err
	}
	if n < frameHeaderSize {
		if _, err := io.ReadFull(c.recv, header[n:]); err != nil {
			closeAll(fds)
			return Message{}, wrapClosed("recv header", err)
		}
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxFrameSize {
		closeAll(fds)
		return Message{}, fmt.Errorf("%w: frame of %d bytes exceeds %d", errMalformed, size, MaxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.recv, body); err != nil {
		closeAll(fds)
		return Message{}, wrapClosed("recv body", err)
	}

	msg, err := Decode(body, fds)
	if err != nil {
		closeAll(fds)
		return Message{}, err
	}
	return msg, nil
}

// Close closes both sockets
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = errors.Join(c.send.Close(), c.recv.Close())
	})
	return err
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func wrapClosed(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%s: %w: %v", op, ErrChannelClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// socketPair returns both ends of a connected unix stream socket pair
func socketPair(name string) (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair %s: %w", name, err)
	}
	a, err := fdConn(fds[0], name+"-0")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fdConn(fds[1], name+"-1")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// fdConn turns a socket descriptor into a UnixConn, taking ownership of fd
func fdConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap %s: %w", name, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a unix socket", name)
	}
	return uc, nil
}

// Pipe returns a connected client and server Conn within one process
func Pipe() (client *Conn, server *Conn, err error) {
	reqClient, reqServer, err := socketPair("request")
	if err != nil {
		return nil, nil, err
	}
	replyServer, replyClient, err := socketPair("reply")
	if err != nil {
		reqClient.Close()
		reqServer.Close()
		return nil, nil, err
	}
	return NewConn(reqClient, replyClient), NewConn(replyServer, reqServer), nil
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bootstrap.go
Description: Session bootstrap. The fuzzer listens on a one-shot unix socket whose path it
exports to the host process. The host dials it once and receives its two protocol sockets
as SCM_RIGHTS descriptors; the rendezvous socket is closed right after.
*/

package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// EnvBootstrap names the rendezvous socket path for the host process
	EnvBootstrap = "SIMFUZZ_BOOTSTRAP"
	// EnvLogLevel carries the fuzzer's log level to the host process
	EnvLogLevel = "SIMFUZZ_LOG_LEVEL"
)

var bootstrapMagic = []byte("SFZ1")

// Listener is the fuzzer side of the bootstrap rendezvous
type Listener struct {
	ln   *net.UnixListener
	dir  string
	path string
}

// Listen creates a rendezvous socket in a fresh temporary directory
func Listen() (*Listener, error) {
	dir, err := os.MkdirTemp("", "simfuzz-")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap dir: %w", err)
	}
	path := filepath.Join(dir, "bootstrap.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("unix listen on %s failed: %w", path, err)
	}
	return &Listener{ln: ln, dir: dir, path: path}, nil
}

// Path returns the rendezvous socket path
func (l *Listener) Path() string {
	return l.path
}

// Env returns the environment the host process needs to find the rendezvous
func (l *Listener) Env(logLevel string) []string {
	return []string{
		EnvBootstrap + "=" + l.path,
		EnvLogLevel + "=" + logLevel,
	}
}

// Accept waits for the host, hands it the server ends of both protocol sockets and returns
// the client Conn. The listener is closed afterwards.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	defer l.Close()

	if deadline, ok := ctx.Deadline(); ok {
		l.ln.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { l.ln.SetDeadline(time.Now()) })
	defer stop()

	rendezvous, err := l.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bootstrap accept: %w", ctx.Err())
		}
		return nil, fmt.Errorf("bootstrap accept: %w", err)
	}
	defer rendezvous.Close()

	reqClient, reqServer, err := socketPair("request")
	if err != nil {
		return nil, err
	}
	replyServer, replyClient, err := socketPair("reply")
	if err != nil {
		reqClient.Close()
		reqServer.Close()
		return nil, err
	}
	// the host owns the server ends once they are sent
	defer reqServer.Close()
	defer replyServer.Close()

	fds, err := connFDs(reqServer, replyServer)
	if err != nil {
		reqClient.Close()
		replyClient.Close()
		return nil, err
	}
	defer closeAll(fds)

	if _, _, err := rendezvous.WriteMsgUnix(bootstrapMagic, unix.UnixRights(fds...), nil); err != nil {
		reqClient.Close()
		replyClient.Close()
		return nil, fmt.Errorf("bootstrap sendmsg failed: %w", err)
	}
	return NewConn(reqClient, replyClient), nil
}

// Close removes the rendezvous socket
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.RemoveAll(l.dir)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// DialFromEnv connects to the rendezvous named by EnvBootstrap
func DialFromEnv() (*Conn, error) {
	path := os.Getenv(EnvBootstrap)
	if path == "" {
		return nil, fmt.Errorf("%s is not set", EnvBootstrap)
	}
	return Dial(path)
}

// Dial connects to a rendezvous socket and returns the server Conn
func Dial(path string) (*Conn, error) {
	rendezvous, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("bootstrap dial %s failed: %w", path, err)
	}
	defer rendezvous.Close()

	buf := make([]byte, len(bootstrapMagic))
	oob := make([]byte, unix.CmsgSpace(2*4))
	n, oobn, _, _, err := rendezvous.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("bootstrap recvmsg failed: %w", err)
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if string(buf[:n]) != string(bootstrapMagic) || len(fds) != 2 {
		closeAll(fds)
		return nil, fmt.Errorf("%w: bad bootstrap handshake (%d bytes, %d fds)", errMalformed, n, len(fds))
	}

	recv, err := fdConn(fds[0], "request")
	if err != nil {
		unix.Close(fds[1])
		return nil, err
	}
	send, err := fdConn(fds[1], "reply")
	if err != nil {
		recv.Close()
		return nil, err
	}
	return NewConn(send, recv), nil
}

// connFDs duplicates the descriptors behind unix sockets
func connFDs(conns ...*net.UnixConn) ([]int, error) {
	var fds []int
	for _, c := range conns {
		f, err := c.File()
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("failed to get socket descriptor: %w", err)
		}
		fd, err := unix.Dup(int(f.Fd()))
		f.Close()
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("failed to dup socket descriptor: %w", err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

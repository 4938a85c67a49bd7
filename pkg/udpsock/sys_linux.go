package udpsock

import (
	"errors"

	"golang.org/x/sys/unix"
)

func bindToDevice(fd uintptr, ifName string) error {
	return unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
}

// writeNoWait issues the send(2) itself so that EAGAIN comes back to us
// instead of parking the goroutine in the poller.
func (c *Conn) writeNoWait(b []byte) error {
	var writeErr error
	err := c.raw.Write(func(fd uintptr) bool {
		_, writeErr = unix.Write(int(fd), b)
		return true
	})
	if err != nil {
		return err
	}
	return writeErr
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

//go:build !linux

package udpsock

func bindToDevice(uintptr, string) error {
	return ErrBindUnsupported
}

func (c *Conn) writeNoWait(b []byte) error {
	_, err := c.udp.Write(b)
	return err
}

func isWouldBlock(error) bool {
	return false
}

package desktop

import (
	qrcode "github.com/skip2/go-qrcode"
)

// QRPNG renders the current code as a PNG of size×size pixels.
// The payload is the bare code so any scanner can feed it to the mobile side.
func (c *Controller) QRPNG(size int) ([]byte, error) {
	code := c.State().Code
	if code == "" {
		return nil, ErrNoCode
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}

// QRTerminal renders the current code as block characters for a terminal.
func (c *Controller) QRTerminal() (string, error) {
	code := c.State().Code
	if code == "" {
		return "", ErrNoCode
	}
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

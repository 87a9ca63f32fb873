package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/javanstorm/vzkit/pkg/virtualization"
)

// Console is a pair of pipes connecting the host to the guest's virtio
// console.
type Console struct {
	// guest side, handed to the framework
	guestIn, guestOut *os.File
	// host side
	hostIn, hostOut *os.File

	att *virtualization.FileHandleSerialPortAttachment
}

// NewConsole creates the pipes and the serial attachment using them.
func NewConsole(rt *virtualization.Runtime) (*Console, error) {
	guestIn, hostIn, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("console pipe: %w", err)
	}
	hostOut, guestOut, err := os.Pipe()
	if err != nil {
		guestIn.Close()
		hostIn.Close()
		return nil, fmt.Errorf("console pipe: %w", err)
	}
	c := &Console{guestIn: guestIn, guestOut: guestOut, hostIn: hostIn, hostOut: hostOut}
	c.att, err = rt.NewFileHandleSerialPortAttachment(guestIn, guestOut)
	if err != nil {
		c.closeFiles()
		return nil, err
	}
	return c, nil
}

// Attachment is the serial port attachment for the configuration.
func (c *Console) Attachment() virtualization.SerialPortAttachment { return c.att }

// Input is written to reach the guest.
func (c *Console) Input() io.Writer { return c.hostIn }

// Output yields what the guest writes.
func (c *Console) Output() io.Reader { return c.hostOut }

// Close releases the attachment and closes every pipe end.
func (c *Console) Close() error {
	c.att.Release()
	return c.closeFiles()
}

func (c *Console) closeFiles() error {
	return errors.Join(
		c.hostIn.Close(),
		c.guestIn.Close(),
		c.guestOut.Close(),
		c.hostOut.Close(),
	)
}

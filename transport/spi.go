package transport

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// spiStream adapts a SPI device to the byte-stream Stream interface,
// mirroring i2cStream's per-call-transaction approach (spec §1: SPI listed
// alongside UART/I²C as an in-scope link type).
type spiStream struct {
	conn spi.Conn
	port spi.PortCloser
}

// OpenSPI opens the named SPI port at the given clock speed and mode.
func OpenSPI(portName string, speed physic.Frequency, mode spi.Mode) (Stream, error) {
	port, err := spireg.Open(portName)
	if err != nil {
		return nil, errors.Wrapf(err, "open spi port %s", portName)
	}
	conn, err := port.Connect(speed, mode, 8)
	if err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "connect spi port %s", portName)
	}
	return &spiStream{conn: conn, port: port}, nil
}

func (s *spiStream) Read(p []byte) (int, error) {
	if err := s.conn.Tx(nil, p); err != nil {
		return 0, errors.Wrap(err, "spi read")
	}
	return len(p), nil
}

func (s *spiStream) Write(p []byte) (int, error) {
	if err := s.conn.Tx(p, nil); err != nil {
		return 0, errors.Wrap(err, "spi write")
	}
	return len(p), nil
}

func (s *spiStream) Close() error {
	return s.port.Close()
}

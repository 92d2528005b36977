package transport

import (
	"time"

	"github.com/pkg/errors"
	serial "github.com/tarm/serial"
)

// UARTConfig names a serial port and its framing (spec §6: 9600 baud, 8
// data bits, even parity, 2 stop bits, 15s read timeout).
type UARTConfig struct {
	Port     string
	Baud     int
	Parity   serial.Parity
	StopBits serial.StopBits
	Timeout  time.Duration
}

// DefaultUARTConfig matches the wire parameters spec §6 specifies.
func DefaultUARTConfig(port string) UARTConfig {
	return UARTConfig{
		Port:     port,
		Baud:     9600,
		Parity:   serial.ParityEven,
		StopBits: serial.Stop2,
		Timeout:  15 * time.Second,
	}
}

// OpenUART opens a serial port as a Stream, ready to be wrapped in a Link.
func OpenUART(cfg UARTConfig) (Stream, error) {
	c := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Parity:      cfg.Parity,
		StopBits:    cfg.StopBits,
		ReadTimeout: cfg.Timeout,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, errors.Wrapf(err, "open uart port %s", cfg.Port)
	}
	return port, nil
}

package transport

import (
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/host/v3"
)

var platformInit sync.Once
var platformInitErr error

// InitPlatform loads the periph.io host drivers exactly once; OpenI2C and
// OpenSPI both require this to have run first. UART and the loopback
// simulation transport do not need it.
func InitPlatform() error {
	platformInit.Do(func() {
		if _, err := host.Init(); err != nil {
			platformInitErr = errors.Wrap(err, "init periph host drivers")
		}
	})
	return platformInitErr
}

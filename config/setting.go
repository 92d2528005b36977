// Package config loads the node's JSON configuration: its local id, log
// settings, and the transports to open at startup. Adapted from the
// teacher's config/setting.go — same env-overridable path, package-level
// GlobalCfg, and fmt-only error reporting at load time (logging isn't wired
// up yet at this point in startup) — generalised from a reverse-proxy rule
// list to a transport list.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// projectConfig holds the top-level configuration read from setting.json.
type projectConfig struct {
	LocalID    byte              `json:"local_id"`
	Log        logConfig         `json:"log"`
	Transports []*TransportEntry `json:"transports"`
	AckTimeout int               `json:"ack_timeout_seconds"`
}

type logConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// TransportEntry describes one configured link (spec §1: UART, I²C, SPI, or
// the quicsim loopback used for local multi-node simulation).
type TransportEntry struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // uart | i2c | spi | quicsim_dial | quicsim_listen

	Port     string `json:"port,omitempty"`
	Baud     int    `json:"baud,omitempty"`
	Parity   string `json:"parity,omitempty"`
	StopBits int    `json:"stop_bits,omitempty"`

	Bus     string `json:"bus,omitempty"`
	Address uint16 `json:"address,omitempty"`

	SPIPort string `json:"spi_port,omitempty"`
	SpeedHz int64  `json:"speed_hz,omitempty"`
	Mode    int    `json:"mode,omitempty"`

	Addr string `json:"addr,omitempty"`
}

// GlobalCfg points at the currently effective configuration.
var GlobalCfg *projectConfig

func init() {
	path := os.Getenv("MESHNET_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
		GlobalCfg = &projectConfig{}
		return
	}
	var cfg projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
		GlobalCfg = &projectConfig{}
		return
	}
	if len(cfg.Transports) == 0 {
		fmt.Printf("empty transport list\n")
	}
	for i, v := range cfg.Transports {
		if err := v.verify(); err != nil {
			fmt.Printf("verify transport failed at pos %d : %s\n", i, err.Error())
		}
	}
	GlobalCfg = &cfg
}

// Reload re-reads configuration from path, validating every transport entry.
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	if len(cfg.Transports) == 0 {
		fmt.Printf("empty transport list\n")
	}
	for i, v := range cfg.Transports {
		if err := v.verify(); err != nil {
			fmt.Printf("verify transport failed at pos %d : %s\n", i, err.Error())
		}
	}
	GlobalCfg = &cfg
	return nil
}

// verify checks one transport entry has the fields its kind requires.
func (t *TransportEntry) verify() error {
	if t.Name == "" {
		return fmt.Errorf("empty name")
	}
	switch t.Kind {
	case "uart":
		if t.Port == "" {
			return fmt.Errorf("transport %q: uart requires port", t.Name)
		}
	case "i2c":
		if t.Bus == "" || t.Address == 0 {
			return fmt.Errorf("transport %q: i2c requires bus and address", t.Name)
		}
	case "spi":
		if t.SPIPort == "" {
			return fmt.Errorf("transport %q: spi requires spi_port", t.Name)
		}
	case "quicsim_dial", "quicsim_listen":
		if t.Addr == "" {
			return fmt.Errorf("transport %q: quicsim requires addr", t.Name)
		}
	default:
		return fmt.Errorf("transport %q: unknown kind %q", t.Name, t.Kind)
	}
	return nil
}

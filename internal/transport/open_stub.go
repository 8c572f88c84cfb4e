//go:build !linux

package transport

import (
	"fmt"

	"can-gateway/internal/models"
)

func openSocketCAN(cfg models.BusLinkConfig) (Transport, error) {
	return nil, fmt.Errorf("transport: socketcan is only available on linux (bus %q)", cfg.Name)
}

func openSLCAN(cfg models.BusLinkConfig) (Transport, error) {
	return nil, fmt.Errorf("transport: slcan is only available on linux (bus %q)", cfg.Name)
}

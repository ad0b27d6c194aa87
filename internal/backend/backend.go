// Package backend defines the interfaces of the gateway and application
// backends.
package backend

import (
	"context"

	"github.com/flora-lorawan/flora-network-server/internal/device"
)

// Gateway is the interface of a gateway backend.
// A gateway backend is responsible for the communication with the gateway.
type Gateway interface {
	SendDownlink(device.DownlinkCommand) error // send the given downlink to the gateway
	UplinkChan() chan device.UplinkEvent        // channel containing the received uplinks
	Close() error                               // close the gateway backend.
}

// Application is the interface of an application backend.
// An application backend receives the device events, e.g. the decrypted
// uplink payloads.
type Application interface {
	Publish(context.Context, device.Event) error // publish the given event
	Close() error                                // close the application backend.
}

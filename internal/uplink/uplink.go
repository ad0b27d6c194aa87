// Package uplink dispatches the frames received by the gateway backend to
// the device sessions.
package uplink

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/backend"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/frame"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

// Server represents a server listening for uplink frames.
type Server struct {
	wg sync.WaitGroup

	gateway     backend.Gateway
	application backend.Application
	conf        device.SessionConfig
}

// NewServer creates a new server. The application backend is optional.
func NewServer(gw backend.Gateway, app backend.Application, conf device.SessionConfig) *Server {
	return &Server{
		gateway:     gw,
		application: app,
		conf:        conf,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleUplinks()
	}()
	return nil
}

// Stop closes the gateway backend and waits for the server to complete the
// pending frames. Responses still waiting for the deduplication delay are
// sent by the defer queue.
func (s *Server) Stop() error {
	if err := s.gateway.Close(); err != nil {
		return fmt.Errorf("close gateway backend error: %s", err)
	}
	log.Info("uplink: waiting for pending actions to complete")
	s.wg.Wait()
	return nil
}

// handleUplinks consumes the frames received by the gateways and handles
// them in a separate go-routine. Errors are logged.
func (s *Server) handleUplinks() {
	for ev := range s.gateway.UplinkChan() {
		s.wg.Add(1)
		go func(ev device.UplinkEvent) {
			defer s.wg.Done()

			ctx := logging.NewContext(context.Background())
			if _, err := s.HandleUplink(ctx, ev); err != nil {
				uplinkFrameErrorCount().Inc()
				log.WithFields(log.Fields{
					"data_base64": base64.StdEncoding.EncodeToString(ev.Data),
					"gateway_id":  ev.GatewayID,
					"ctx_id":      ctx.Value(logging.ContextIDKey),
				}).WithError(err).Error("uplink: processing uplink frame error")
			}
		}(ev)
	}
}

// HandleUplink handles a single frame as received by one gateway.
func (s *Server) HandleUplink(ctx context.Context, ev device.UplinkEvent) (device.Result, error) {
	mhdr, err := frame.MHDR(ev.Data)
	if err != nil {
		uplinkFrameCounter("invalid").Inc()
		log.WithError(err).WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Debug("uplink: invalid frame")
		return device.Rejected, nil
	}
	uplinkFrameCounter(mTypeLabel(mhdr.MType)).Inc()

	switch mhdr.MType {
	case lorawan.JoinRequest:
		jr, err := frame.DecodeJoinRequest(ev.Data)
		if err != nil {
			return device.Rejected, nil
		}
		sess, err := s.session(ctx, func() (storage.Device, error) {
			return storage.GetDevice(ctx, jr.DevEUI)
		})
		if err != nil || sess == nil {
			return device.Rejected, err
		}
		return sess.ProcessJoinRequest(ctx, ev, s.onResponse(ctx))
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		dataUp, err := frame.DecodeDataUp(ev.Data)
		if err != nil {
			return device.Rejected, nil
		}
		sess, err := s.session(ctx, func() (storage.Device, error) {
			return storage.GetDeviceByDevAddr(ctx, dataUp.DevAddr)
		})
		if err != nil || sess == nil {
			return device.Rejected, err
		}
		return sess.ProcessDataUp(ctx, ev, s.onResponse(ctx))
	default:
		log.WithFields(log.Fields{
			"m_type": mTypeLabel(mhdr.MType),
			"ctx_id": ctx.Value(logging.ContextIDKey),
		}).Debug("uplink: ignoring frame")
		return device.Rejected, nil
	}
}

// session returns the session for the device returned by get, or nil when
// the device is unknown.
func (s *Server) session(ctx context.Context, get func() (storage.Device, error)) (*device.Session, error) {
	d, err := get()
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			uplinkFrameCounter("unknown_device").Inc()
			log.WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Debug("uplink: unknown device")
			return nil, nil
		}
		return nil, errors.Wrap(err, "get device error")
	}

	return device.NewSession(s.conf, d)
}

// onResponse routes the downlinks to the gateway backend and the other
// events to the application backend.
func (s *Server) onResponse(ctx context.Context) device.ResponseFunc {
	return func(ev device.Event) {
		var err error

		switch v := ev.(type) {
		case device.DownlinkCommand:
			err = s.gateway.SendDownlink(v)
		default:
			if s.application != nil {
				err = s.application.Publish(ctx, ev)
			}
		}

		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"dev_eui":    ev.DeviceEUI(),
				"event_type": ev.EventType(),
				"ctx_id":     ctx.Value(logging.ContextIDKey),
			}).Error("uplink: handle response error")
		}
	}
}

func mTypeLabel(t lorawan.MType) string {
	switch t {
	case lorawan.JoinRequest:
		return "JoinRequest"
	case lorawan.UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case lorawan.ConfirmedDataUp:
		return "ConfirmedDataUp"
	case lorawan.Proprietary:
		return "Proprietary"
	default:
		return "Other"
	}
}

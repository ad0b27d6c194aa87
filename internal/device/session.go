// Package device implements the per-device protocol state machine: join and
// data-uplink validation, the multi-gateway race resolution and the deferred
// downlink responses.
package device

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/adr"
	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/config"
	"github.com/flora-lorawan/flora-network-server/internal/deferqueue"
	"github.com/flora-lorawan/flora-network-server/internal/frame"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/security"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

// ErrAbort is used to abort the flow without error
var ErrAbort = errors.New("nothing to do")

// Result defines the outcome of processing an uplink.
type Result int

// Possible results.
const (
	Rejected Result = iota
	Accepted
	DuplicateAccepted
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DuplicateAccepted:
		return "duplicate_accepted"
	default:
		return "rejected"
	}
}

// ResponseFunc receives the events generated by a session. It is called
// from a DeferQueue worker.
type ResponseFunc func(Event)

// SessionConfig holds the settings shared by all sessions.
type SessionConfig struct {
	NetID              lorawan.NetID
	DeduplicationDelay time.Duration
	JoinWindow         time.Duration
	SNRThreshold       float64
	InstallationMargin float64

	Registry *band.Registry
	Queue    *deferqueue.Queue
	ADR      adr.Handler
}

// NewSessionConfig returns the SessionConfig for the given configuration.
func NewSessionConfig(c config.Config, reg *band.Registry, q *deferqueue.Queue) SessionConfig {
	return SessionConfig{
		NetID:              c.NetworkServer.NetID,
		DeduplicationDelay: c.NetworkServer.DeduplicationDelay,
		JoinWindow:         c.NetworkServer.JoinWindow,
		SNRThreshold:       c.NetworkServer.SNRThreshold,
		InstallationMargin: c.NetworkServer.ADR.InstallationMargin,
		Registry:           reg,
		Queue:              q,
		ADR:                &adr.DefaultHandler{},
	}
}

// Session processes the uplinks of a single device. A Session is created
// per uplink from the stored device record and must not be shared between
// goroutines.
type Session struct {
	conf   SessionConfig
	device storage.Device
	sm     *security.Module
	band   *band.Band
}

// NewSession returns a new Session for the given device.
func NewSession(conf SessionConfig, d storage.Device) (*Session, error) {
	if conf.Registry == nil || conf.Queue == nil {
		return nil, errors.New("registry and queue must be set")
	}
	if conf.ADR == nil {
		conf.ADR = &adr.DefaultHandler{}
	}

	b, err := conf.Registry.New(d.Region, d.BandSettings())
	if err != nil {
		return nil, errors.Wrap(err, "new band error")
	}

	s := Session{
		conf:   conf,
		device: d,
		band:   b,
	}
	s.sm = security.New(&s.device.Keys)

	return &s, nil
}

// Device returns the device record as currently known by the session.
func (s *Session) Device() storage.Device {
	return s.device
}

// Band returns the channel plan of the device.
func (s *Session) Band() *band.Band {
	return s.band
}

func (s *Session) netID() lorawan.NetID {
	if s.device.NetID != nil {
		return *s.device.NetID
	}
	return s.conf.NetID
}

// ready returns true when the window in which duplicates of the last
// accepted frame can arrive has passed.
func (s *Session) ready(t time.Time) bool {
	return s.device.ReadyAt == nil || !t.Before(*s.device.ReadyAt)
}

func (s *Session) saveReturnPath(ctx context.Context, ev UplinkEvent) error {
	return storage.AddReturnPath(ctx, s.device.DevEUI, storage.ReturnPath{
		Time:          ev.RXTime,
		SNR:           ev.SNR,
		RSSI:          ev.RSSI,
		GatewayID:     ev.GatewayID,
		GatewayParams: ev.GatewayParams,
	})
}

// schedule runs f once the deduplication delay, counted from rxTime, has
// passed. f is given a context carrying the context id of ctx.
func (s *Session) schedule(ctx context.Context, rxTime time.Time, f func(context.Context)) {
	delay := s.conf.DeduplicationDelay - time.Since(rxTime)
	if delay < 0 {
		delay = 0
	}

	bgCtx := context.WithValue(context.Background(), logging.ContextIDKey, ctx.Value(logging.ContextIDKey))
	s.conf.Queue.OnTimeout(delay, func() {
		f(bgCtx)
	})
}

func (s *Session) reject(ctx context.Context, frameType, reason, msg string) error {
	frameRejectedCounter(frameType, reason).Inc()
	log.WithFields(log.Fields{
		"dev_eui": s.device.DevEUI,
		"type":    frameType,
		"reason":  reason,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Debug("device: frame rejected, " + msg)
	return ErrAbort
}

// resolveCounter returns the full 32 bit uplink counter for the given 16 bit
// counter, taking the nearest counter greater or equal than the last
// accepted counter.
func resolveCounter(up *uint32, wire uint16) uint32 {
	if up == nil {
		return uint32(wire)
	}

	c := uint32(wire)
	if c < *up&0xffff {
		return c + *up&0xffff0000 + 0x10000
	}
	return c + *up&0xffff0000
}

// micDataUp returns the MIC of the given data-up frame.
func (s *Session) micDataUp(counter uint32, b []byte, params band.ExchangeParams) (uint32, error) {
	_, msg := frame.MIC(b)

	b0 := security.UplinkB0(s.device.DevAddr, counter, len(msg))
	micF, err := s.sm.MIC(security.FNwkSIntKey, b0[:], msg)
	if err != nil {
		return 0, err
	}

	if s.device.Minor == 0 {
		return micF, nil
	}

	b1 := security.UplinkB1(0, uint8(params.Up.Rate), uint8(params.Up.Channel), s.device.DevAddr, counter, len(msg))
	micS, err := s.sm.MIC(security.SNwkSIntKey, b1[:], msg)
	if err != nil {
		return 0, err
	}

	return (micF&0xffff)<<16 | micS&0xffff, nil
}

func appendMIC(b []byte, mic uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], mic)
	return append(b, buf[:]...)
}

// putEUI writes the EUI in over the air (little-endian) byte order.
func putEUI(b []byte, eui lorawan.EUI64) {
	for i := range eui {
		b[i] = eui[len(eui)-1-i]
	}
}

package device

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/logging"
	"github.com/flora-lorawan/flora-network-server/internal/security"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

// ExportVersion is the version of the export format produced by Export.
const ExportVersion = 0

const (
	maxDevAddr   = 1<<25 - 1
	maxJoinNonce = 1<<24 - 1
	maxMinor     = 1
)

// ValidationError is returned on invalid device provisioning input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RestoreError is returned when an exported record can not be restored.
type RestoreError struct {
	Field  string
	Reason string
}

func (e *RestoreError) Error() string {
	if e.Field == "" {
		return "restore error: " + e.Reason
	}
	return fmt.Sprintf("restore error: %s: %s", e.Field, e.Reason)
}

// CreateParams holds the parameters for provisioning a device.
type CreateParams struct {
	DevEUI    lorawan.EUI64
	DevAddr   lorawan.DevAddr
	Region    band.Name
	NwkKey    []byte
	AppKey    []byte
	Minor     uint8
	JoinNonce uint32
	NetID     *lorawan.NetID

	RXDelay     *int
	RX1DROffset *int
	RX2DR       *int
	RX2Freq     *uint32
	ADRAckLimit *int
	ADRAckDelay *int
}

// Export holds an exported device.
type Export struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Fields     ExportFields `json:"fields"`
}

// ExportFields holds the exported state of a device.
type ExportFields struct {
	Record     storage.Device `json:"record"`
	NwkCounter uint32         `json:"nwk_counter"`
	AppCounter uint32         `json:"app_counter"`
}

// Manager provisions devices.
type Manager struct {
	registry *band.Registry
}

// NewManager creates a new Manager.
func NewManager(reg *band.Registry) *Manager {
	return &Manager{registry: reg}
}

// Create validates and stores a new device.
func (m *Manager) Create(ctx context.Context, p CreateParams) (storage.Device, error) {
	d := storage.Device{
		DevEUI:      p.DevEUI,
		DevAddr:     p.DevAddr,
		Region:      p.Region,
		Minor:       p.Minor,
		JoinNonce:   p.JoinNonce,
		NetID:       p.NetID,
		RXDelay:     p.RXDelay,
		RX1DROffset: p.RX1DROffset,
		RX2DR:       p.RX2DR,
		RX2Freq:     p.RX2Freq,
		ADRAckLimit: p.ADRAckLimit,
		ADRAckDelay: p.ADRAckDelay,
	}

	if binary.BigEndian.Uint32(p.DevAddr[:]) > maxDevAddr {
		return d, &ValidationError{Field: "dev_addr", Reason: "must be within 0..2^25-1"}
	}
	if p.Minor > maxMinor {
		return d, &ValidationError{Field: "minor", Reason: "must be 0 or 1"}
	}
	if p.JoinNonce > maxJoinNonce {
		return d, &ValidationError{Field: "join_nonce", Reason: "must be within 0..2^24-1"}
	}

	nwkKey, err := parseKey(p.NwkKey)
	if err != nil || nwkKey == nil {
		return d, &ValidationError{Field: "nwk_key", Reason: "must be 16 bytes"}
	}
	d.Keys.Nwk = nwkKey

	// LoRaWAN 1.0 devices only have a single root key.
	if p.Minor > 0 && len(p.AppKey) != 0 {
		appKey, err := parseKey(p.AppKey)
		if err != nil {
			return d, &ValidationError{Field: "app_key", Reason: "must be 16 bytes"}
		}
		d.Keys.App = appKey
	}

	if !m.registry.Has(p.Region) {
		return d, &ValidationError{Field: "region", Reason: band.ErrUnknownRegion.Error()}
	}
	if _, err := m.registry.New(p.Region, d.BandSettings()); err != nil {
		return d, &ValidationError{Field: "region", Reason: err.Error()}
	}

	if err := storage.CreateDevice(ctx, d); err != nil {
		return d, err
	}

	return d, nil
}

// LookupByEUI returns the device for the given DevEUI.
func (m *Manager) LookupByEUI(ctx context.Context, devEUI lorawan.EUI64) (storage.Device, error) {
	return storage.GetDevice(ctx, devEUI)
}

// LookupByAddr returns the device for the given DevAddr.
func (m *Manager) LookupByAddr(ctx context.Context, devAddr lorawan.DevAddr) (storage.Device, error) {
	return storage.GetDeviceByDevAddr(ctx, devAddr)
}

// Export returns the device and its frame counters in the export format.
func (m *Manager) Export(ctx context.Context, devEUI lorawan.EUI64) (Export, error) {
	d, err := storage.GetDevice(ctx, devEUI)
	if err != nil {
		return Export{}, err
	}

	nwk, app, err := storage.GetCounters(ctx, devEUI)
	if err != nil {
		return Export{}, err
	}

	d.JoinRequestFrame = nil
	d.DataUpFrame = nil

	return Export{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		Fields: ExportFields{
			Record:     d,
			NwkCounter: nwk,
			AppCounter: app,
		},
	}, nil
}

// Destroy removes the device.
func (m *Manager) Destroy(ctx context.Context, devEUI lorawan.EUI64) error {
	return storage.DeleteDevice(ctx, devEUI, nil)
}

// restoreRecord mirrors storage.Device, the pointers are used to detect
// absent fields.
type restoreRecord struct {
	DevEUI    *lorawan.EUI64   `json:"dev_eui"`
	DevAddr   *lorawan.DevAddr `json:"dev_addr"`
	Region    *band.Name       `json:"region"`
	Keys      *security.KeySet `json:"keys"`
	JoinNonce *uint32          `json:"join_nonce"`
	Minor     *uint8           `json:"minor"`
	NetID     *lorawan.NetID   `json:"net_id"`
	JoinEUI   *lorawan.EUI64   `json:"join_eui"`
	DevNonce  *uint16          `json:"dev_nonce"`
	UpCounter *uint32          `json:"up_counter"`
	ReadyAt   *time.Time       `json:"ready_at"`

	RXDelay     *int    `json:"rx_delay"`
	RX1DROffset *int    `json:"rx1_dr_offset"`
	RX2DR       *int    `json:"rx2_dr"`
	RX2Freq     *uint32 `json:"rx2_freq"`
	ADRAckLimit *int    `json:"adr_ack_limit"`
	ADRAckDelay *int    `json:"adr_ack_delay"`

	JoinGatewayChannels []band.GatewayChannel `json:"join_gw_channels"`
}

type restoreFields struct {
	Record     *json.RawMessage `json:"record"`
	NwkCounter *uint32          `json:"nwk_counter"`
	AppCounter *uint32          `json:"app_counter"`
}

type restoreEnvelope struct {
	Version *int             `json:"version"`
	Fields  *json.RawMessage `json:"fields"`
}

// Restore stores the device from the given export, replacing any existing
// device with the same DevEUI. A *RestoreError is returned when the export
// is malformed or incomplete.
func (m *Manager) Restore(ctx context.Context, b []byte) (storage.Device, error) {
	d, nwk, app, err := m.decodeExport(b)
	if err != nil {
		return d, err
	}

	if err := storage.RestoreDevice(ctx, d, nwk, app); err != nil {
		if errors.Cause(err) == storage.ErrAlreadyExists {
			return d, &RestoreError{Field: "dev_addr", Reason: err.Error()}
		}
		return d, err
	}

	log.WithFields(log.Fields{
		"dev_eui": d.DevEUI,
		"joined":  d.Joined(),
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("device: device restored")

	return d, nil
}

func (m *Manager) decodeExport(b []byte) (storage.Device, uint32, uint32, error) {
	var d storage.Device

	var env restoreEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return d, 0, 0, &RestoreError{Reason: err.Error()}
	}
	if env.Version == nil {
		return d, 0, 0, &RestoreError{Field: "version", Reason: "missing"}
	}
	if *env.Version != ExportVersion {
		return d, 0, 0, &RestoreError{Field: "version", Reason: fmt.Sprintf("unsupported version %d", *env.Version)}
	}
	if env.Fields == nil {
		return d, 0, 0, &RestoreError{Field: "fields", Reason: "missing"}
	}

	var fields restoreFields
	if err := json.Unmarshal(*env.Fields, &fields); err != nil {
		return d, 0, 0, &RestoreError{Field: "fields", Reason: err.Error()}
	}
	if fields.Record == nil {
		return d, 0, 0, &RestoreError{Field: "record", Reason: "missing"}
	}

	var rec restoreRecord
	if err := json.Unmarshal(*fields.Record, &rec); err != nil {
		return d, 0, 0, &RestoreError{Field: "record", Reason: err.Error()}
	}

	d, err := m.restoreDevice(rec)
	if err != nil {
		return d, 0, 0, err
	}

	var nwk, app uint32
	if fields.NwkCounter != nil {
		nwk = *fields.NwkCounter
	}
	if fields.AppCounter != nil {
		app = *fields.AppCounter
	}

	return d, nwk, app, nil
}

func (m *Manager) restoreDevice(rec restoreRecord) (storage.Device, error) {
	var d storage.Device

	switch {
	case rec.DevEUI == nil:
		return d, &RestoreError{Field: "dev_eui", Reason: "missing"}
	case rec.DevAddr == nil:
		return d, &RestoreError{Field: "dev_addr", Reason: "missing"}
	case rec.Minor == nil:
		return d, &RestoreError{Field: "minor", Reason: "missing"}
	case rec.JoinNonce == nil:
		return d, &RestoreError{Field: "join_nonce", Reason: "missing"}
	case rec.Region == nil:
		return d, &RestoreError{Field: "region", Reason: "missing"}
	case rec.Keys == nil || rec.Keys.Nwk == nil:
		return d, &RestoreError{Field: "keys.nwk", Reason: "missing"}
	}

	if binary.BigEndian.Uint32(rec.DevAddr[:]) > maxDevAddr {
		return d, &RestoreError{Field: "dev_addr", Reason: "must be within 0..2^25-1"}
	}
	if *rec.Minor > maxMinor {
		return d, &RestoreError{Field: "minor", Reason: "must be 0 or 1"}
	}
	if *rec.JoinNonce > maxJoinNonce {
		return d, &RestoreError{Field: "join_nonce", Reason: "must be within 0..2^24-1"}
	}
	if !m.registry.Has(*rec.Region) {
		return d, &RestoreError{Field: "region", Reason: band.ErrUnknownRegion.Error()}
	}

	d = storage.Device{
		DevEUI:              *rec.DevEUI,
		DevAddr:             *rec.DevAddr,
		Region:              *rec.Region,
		Keys:                *rec.Keys,
		JoinNonce:           *rec.JoinNonce,
		Minor:               *rec.Minor,
		NetID:               rec.NetID,
		JoinEUI:             rec.JoinEUI,
		DevNonce:            rec.DevNonce,
		UpCounter:           rec.UpCounter,
		ReadyAt:             rec.ReadyAt,
		RXDelay:             rec.RXDelay,
		RX1DROffset:         rec.RX1DROffset,
		RX2DR:               rec.RX2DR,
		RX2Freq:             rec.RX2Freq,
		ADRAckLimit:         rec.ADRAckLimit,
		ADRAckDelay:         rec.ADRAckDelay,
		JoinGatewayChannels: rec.JoinGatewayChannels,
	}

	if d.Joined() {
		required := []requiredKey{
			{"keys.fnwksint", d.Keys.FNwkSInt},
			{"keys.snwksint", d.Keys.SNwkSInt},
			{"keys.nwksenc", d.Keys.NwkSEnc},
			{"keys.jsenc", d.Keys.JSEnc},
			{"keys.jsint", d.Keys.JSInt},
		}
		if d.Minor == 0 || d.Keys.App != nil {
			required = append(required, requiredKey{"keys.apps", d.Keys.AppS})
		}
		for _, r := range required {
			if r.key == nil {
				return d, &RestoreError{Field: r.name, Reason: "missing"}
			}
		}
	} else {
		d.DevNonce = nil
		d.UpCounter = nil
		d.ReadyAt = nil
		d.Keys.ClearSessionKeys()
	}

	if _, err := m.registry.New(d.Region, d.BandSettings()); err != nil {
		return d, &RestoreError{Field: "region", Reason: err.Error()}
	}

	return d, nil
}

type requiredKey struct {
	name string
	key  *lorawan.AES128Key
}

func parseKey(b []byte) (*lorawan.AES128Key, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) != len(lorawan.AES128Key{}) {
		return nil, errors.New("invalid key length")
	}

	var k lorawan.AES128Key
	copy(k[:], b)
	return &k, nil
}

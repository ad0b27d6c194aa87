// Package adr implements the adaptive data-rate algorithm.
package adr

import (
	"github.com/pkg/errors"
)

// HistorySize defines the number of uplinks kept for the packet-loss
// estimation.
const HistorySize = 20

// DefaultInstallationMargin defines the default installation margin (dB).
const DefaultInstallationMargin = 10.0

// ErrUnknownSF is returned for a spreading-factor without required SNR.
var ErrUnknownSF = errors.New("unknown spreading-factor")

// requiredSNR holds the demodulation floor per spreading-factor.
var requiredSNR = map[int]float64{
	6:  -5,
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

// RequiredSNR returns the minimum SNR required to demodulate the given
// spreading-factor.
func RequiredSNR(sf int) (float64, error) {
	snr, ok := requiredSNR[sf]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownSF, "sf %d", sf)
	}
	return snr, nil
}

// SNRMargin returns the margin between the given SNR and the minimum SNR of
// the given spreading-factor. An unknown spreading-factor returns 0.
func SNRMargin(sf int, snr float64) float64 {
	req, err := RequiredSNR(sf)
	if err != nil {
		return 0
	}
	return snr - req
}

// Settings holds the ADR state of a device.
type Settings struct {
	Rate       int     `json:"rate"`
	Power      int     `json:"power"`
	NbTrans    int     `json:"nb_trans"`
	AckPending bool    `json:"ack_pending"`
	AckCounter *uint32 `json:"ack_counter,omitempty"`

	// Power is a TX power index, thus MinPower is the highest index.
	MinRate  int `json:"min_rate"`
	MaxRate  int `json:"max_rate"`
	MinPower int `json:"min_power"`
	MaxPower int `json:"max_power"`
}

// DefaultSettings returns the settings used for devices without ADR state.
func DefaultSettings() Settings {
	return Settings{
		Rate:     0,
		Power:    0,
		NbTrans:  1,
		MinRate:  0,
		MaxRate:  5,
		MinPower: 5,
		MaxPower: 0,
	}
}

// UplinkHistory contains the meta-data of an uplink.
type UplinkHistory struct {
	Counter     uint32  `json:"counter"`
	SNR         float64 `json:"snr"`
	NumGateways int     `json:"num_gateways"`
}

// DueForADR returns true when the ADR algorithm must run, even though the
// device did not set the ADRAckReq bit.
func DueForADR(s Settings, upCounter uint32, historyLen int) bool {
	if s.AckPending {
		return true
	}
	if s.AckCounter != nil {
		return upCounter-*s.AckCounter > 3*HistorySize
	}
	return historyLen >= HistorySize
}

// HandleRequest holds the input of the ADR algorithm.
type HandleRequest struct {
	Settings Settings

	// Counter is the uplink counter of the frame triggering ADR.
	Counter uint32

	// Rate and SF of the frame triggering ADR.
	Rate int
	SF   int

	// SNR of the frame triggering ADR, used when there is no history.
	SNR float64

	// MaxRate is the highest rate the region allows for ADR.
	MaxRate int

	InstallationMargin float64
	UplinkHistory      []UplinkHistory
}

// Handler defines the interface of an ADR algorithm.
type Handler interface {
	// ID returns the identifier of the algorithm.
	ID() string

	// Handle returns the new ADR settings.
	Handle(req HandleRequest) (Settings, error)
}

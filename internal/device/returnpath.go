package device

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/flora-lorawan/flora-network-server/internal/adr"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

// SelectReturnPath returns the receptions eligible for the downlink, best
// first and at most one per gateway. Receptions before since are dropped.
//
// Two receptions are ordered by RSSI when their SNR is equal or both are above
// snrThreshold, by SNR otherwise.
func SelectReturnPath(paths []storage.ReturnPath, since time.Time, snrThreshold float64) []storage.ReturnPath {
	out := make([]storage.ReturnPath, 0, len(paths))
	for _, rp := range paths {
		if rp.Time.Before(since) {
			continue
		}
		out = append(out, rp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SNR == b.SNR || (a.SNR > snrThreshold && b.SNR > snrThreshold) {
			return a.RSSI > b.RSSI
		}
		return a.SNR > b.SNR
	})

	seen := make(map[string]struct{}, len(out))
	deduped := out[:0]
	for _, rp := range out {
		id := rp.GatewayID.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, rp)
	}

	return deduped
}

// selectReturnPath reads and clears the stored receptions of the device and
// returns the selection. Receptions stamped before rxTime belong to an
// earlier frame.
func (s *Session) selectReturnPath(ctx context.Context, rxTime time.Time) ([]storage.ReturnPath, error) {
	paths, err := storage.PopReturnPaths(ctx, s.device.DevEUI)
	if err != nil {
		return nil, err
	}

	out := SelectReturnPath(paths, rxTime, s.conf.SNRThreshold)
	if len(out) == 0 {
		return nil, errors.New("no return path available")
	}
	return out, nil
}

// gatewayMargins returns the per-gateway reception report of the given
// selection.
func gatewayMargins(paths []storage.ReturnPath, sf int) []GatewayMargin {
	out := make([]GatewayMargin, 0, len(paths))
	for _, rp := range paths {
		out = append(out, GatewayMargin{
			GatewayID: rp.GatewayID,
			Time:      rp.Time,
			RSSI:      rp.RSSI,
			SNR:       rp.SNR,
			Margin:    adr.SNRMargin(sf, rp.SNR),
		})
	}
	return out
}

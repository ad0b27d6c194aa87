package adr

// DefaultHandler implements the default ADR handler.
type DefaultHandler struct{}

// ID returns the default ID.
func (h *DefaultHandler) ID() string {
	return "default"
}

// Handle handles the ADR request.
func (h *DefaultHandler) Handle(req HandleRequest) (Settings, error) {
	resp := req.Settings

	minSNR, err := RequiredSNR(req.SF)
	if err != nil {
		return resp, err
	}

	maxRate := resp.MaxRate
	if req.MaxRate < maxRate {
		maxRate = req.MaxRate
	}

	// Only adjust the redundancy with a full history, else the packet-loss
	// can not be estimated.
	if len(req.UplinkHistory) >= HistorySize {
		resp.NbTrans = h.getNbTrans(resp.NbTrans, h.getPacketLossPercentage(req.UplinkHistory))
	}

	// The max SNR is taken as it is the best indication of a transmission
	// that did not suffer from interference.
	snrM := req.SNR
	for i, uh := range req.UplinkHistory {
		if i == 0 || uh.SNR > snrM {
			snrM = uh.SNR
		}
	}

	snrMargin := snrM - minSNR - req.InstallationMargin
	nStep := int(snrMargin / 3)

	resp.Rate = req.Rate
	resp.Power, resp.Rate = h.getIdealPowerAndRate(nStep, resp.Power, resp.Rate, resp.MinPower, resp.MaxPower, maxRate)

	counter := req.Counter
	resp.AckPending = true
	resp.AckCounter = &counter

	return resp, nil
}

func (h *DefaultHandler) pktLossRateTable() [][3]int {
	return [][3]int{
		{1, 1, 2},
		{1, 2, 2},
		{2, 3, 3},
		{3, 3, 3},
	}
}

// getIdealPowerAndRate reduces nStep to zero. A positive step first
// increases the rate, then lowers the TX power (increases the index up to
// minPower). A negative step raises the TX power while the index is above
// maxPower.
func (h *DefaultHandler) getIdealPowerAndRate(nStep, power, rate, minPower, maxPower, maxRate int) (int, int) {
	for nStep != 0 {
		if nStep > 0 {
			if rate < maxRate {
				rate++
			} else if power < minPower {
				power++
			} else {
				break
			}
			nStep--
		} else {
			if power > maxPower {
				power--
			} else {
				break
			}
			nStep++
		}
	}

	return power, rate
}

func (h *DefaultHandler) getNbTrans(currentNbTrans int, pktLossRate float64) int {
	if currentNbTrans < 1 {
		currentNbTrans = 1
	}

	if currentNbTrans > 3 {
		currentNbTrans = 3
	}

	if pktLossRate < 5 {
		return h.pktLossRateTable()[0][currentNbTrans-1]
	} else if pktLossRate < 10 {
		return h.pktLossRateTable()[1][currentNbTrans-1]
	} else if pktLossRate < 30 {
		return h.pktLossRateTable()[2][currentNbTrans-1]
	}

	return h.pktLossRateTable()[3][currentNbTrans-1]
}

// getPacketLossPercentage returns missing / (observed + missing), with
// missing being the counters absent from the range spanned by the history.
func (h *DefaultHandler) getPacketLossPercentage(history []UplinkHistory) float64 {
	if len(history) == 0 {
		return 0
	}

	seen := make(map[uint32]struct{}, len(history))
	first, last := history[0].Counter, history[0].Counter
	for _, uh := range history {
		seen[uh.Counter] = struct{}{}
		if uh.Counter < first {
			first = uh.Counter
		}
		if uh.Counter > last {
			last = uh.Counter
		}
	}

	observed := len(seen)
	missing := int(last-first) + 1 - observed

	return float64(missing) / float64(observed+missing) * 100
}

package band

import (
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// downlink dwell-time limitations are not supported
const lorawanDwellTime = lorawan.DwellTimeNoLimit

func eu868() Definition {
	return Definition{Name: EU868, Band: loraband.EU868}
}

func us915() Definition {
	return Definition{Name: US915, Band: loraband.US915, Hopping: true}
}

func au915() Definition {
	return Definition{Name: AU915, Band: loraband.AU915, Hopping: true}
}

package security

import (
	"encoding/binary"

	"github.com/brocaar/lorawan"
)

// direction values used in the A and B blocks.
const (
	dirUplink   byte = 0
	dirDownlink byte = 1
)

// UplinkA returns the initial AES-CTR block for uplink FOpts (i = 0) and
// FRMPayload (i = 1) encryption.
func UplinkA(devAddr lorawan.DevAddr, fCnt uint32, i byte) [16]byte {
	return aBlock(dirUplink, devAddr, fCnt, i)
}

// DownlinkA returns the initial AES-CTR block for downlink FOpts (i = 0) and
// FRMPayload (i = 1) encryption.
func DownlinkA(devAddr lorawan.DevAddr, fCnt uint32, i byte) [16]byte {
	return aBlock(dirDownlink, devAddr, fCnt, i)
}

func aBlock(dir byte, devAddr lorawan.DevAddr, fCnt uint32, i byte) [16]byte {
	var b [16]byte
	b[0] = 0x01
	b[5] = dir
	putDevAddr(b[6:10], devAddr)
	binary.LittleEndian.PutUint32(b[10:14], fCnt)
	b[15] = i
	return b
}

// UplinkB0 returns the B0 block used for the FNwkSIntKey uplink MIC.
func UplinkB0(devAddr lorawan.DevAddr, fCnt uint32, msgLen int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	b[5] = dirUplink
	putDevAddr(b[6:10], devAddr)
	binary.LittleEndian.PutUint32(b[10:14], fCnt)
	b[15] = byte(msgLen)
	return b
}

// UplinkB1 returns the B1 block used for the SNwkSIntKey uplink MIC
// (LoRaWAN 1.1).
func UplinkB1(confFCnt uint16, txDR, txCh uint8, devAddr lorawan.DevAddr, fCnt uint32, msgLen int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	binary.LittleEndian.PutUint16(b[1:3], confFCnt)
	b[3] = txDR
	b[4] = txCh
	b[5] = dirUplink
	putDevAddr(b[6:10], devAddr)
	binary.LittleEndian.PutUint32(b[10:14], fCnt)
	b[15] = byte(msgLen)
	return b
}

// DownlinkB0 returns the B0 block used for the downlink MIC.
func DownlinkB0(confFCnt uint16, devAddr lorawan.DevAddr, fCnt uint32, msgLen int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	binary.LittleEndian.PutUint16(b[1:3], confFCnt)
	b[5] = dirDownlink
	putDevAddr(b[6:10], devAddr)
	binary.LittleEndian.PutUint32(b[10:14], fCnt)
	b[15] = byte(msgLen)
	return b
}

// putDevAddr writes the DevAddr in little-endian (over the air) byte order.
func putDevAddr(b []byte, a lorawan.DevAddr) {
	for i := 0; i < 4; i++ {
		b[i] = a[3-i]
	}
}

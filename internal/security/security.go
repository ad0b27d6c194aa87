// Package security implements the LoRaWAN cryptographic primitives: message
// integrity codes, payload encryption and session-key derivation.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/brocaar/lorawan"
	"github.com/jacobsa/crypto/cmac"
	"github.com/pkg/errors"
)

// KeyName identifies a key within a KeySet.
type KeyName string

// Keys known by the network-server.
const (
	NwkKey      KeyName = "nwk"
	AppKey      KeyName = "app"
	FNwkSIntKey KeyName = "fnwksint"
	SNwkSIntKey KeyName = "snwksint"
	NwkSEncKey  KeyName = "nwksenc"
	JSEncKey    KeyName = "jsenc"
	JSIntKey    KeyName = "jsint"
	AppSKey     KeyName = "apps"
)

// errors
var (
	ErrUnknownKey = errors.New("unknown key")
	ErrBlockSize  = errors.New("data is not a multiple of the block size")
)

// KeySet holds the root and session keys of a device. Absent keys are nil.
type KeySet struct {
	Nwk      *lorawan.AES128Key `json:"nwk,omitempty"`
	App      *lorawan.AES128Key `json:"app,omitempty"`
	FNwkSInt *lorawan.AES128Key `json:"fnwksint,omitempty"`
	SNwkSInt *lorawan.AES128Key `json:"snwksint,omitempty"`
	NwkSEnc  *lorawan.AES128Key `json:"nwksenc,omitempty"`
	JSEnc    *lorawan.AES128Key `json:"jsenc,omitempty"`
	JSInt    *lorawan.AES128Key `json:"jsint,omitempty"`
	AppS     *lorawan.AES128Key `json:"apps,omitempty"`
}

// Get returns the key for the given name.
func (k KeySet) Get(name KeyName) (lorawan.AES128Key, bool) {
	var key *lorawan.AES128Key

	switch name {
	case NwkKey:
		key = k.Nwk
	case AppKey:
		key = k.App
	case FNwkSIntKey:
		key = k.FNwkSInt
	case SNwkSIntKey:
		key = k.SNwkSInt
	case NwkSEncKey:
		key = k.NwkSEnc
	case JSEncKey:
		key = k.JSEnc
	case JSIntKey:
		key = k.JSInt
	case AppSKey:
		key = k.AppS
	}

	if key == nil {
		return lorawan.AES128Key{}, false
	}
	return *key, true
}

// ClearSessionKeys removes all derived keys, keeping the root keys.
func (k *KeySet) ClearSessionKeys() {
	k.FNwkSInt = nil
	k.SNwkSInt = nil
	k.NwkSEnc = nil
	k.JSEnc = nil
	k.JSInt = nil
	k.AppS = nil
}

// Module performs the cryptographic operations using the keys of a single
// device. Derived keys are written back into the KeySet.
type Module struct {
	keys *KeySet
}

// New returns a Module operating on the given KeySet.
func New(keys *KeySet) *Module {
	return &Module{keys: keys}
}

// Keys returns the KeySet the module operates on.
func (m *Module) Keys() *KeySet {
	return m.keys
}

func (m *Module) block(name KeyName) (cipher.Block, error) {
	key, ok := m.keys.Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKey, "key %s", name)
	}

	b, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "new cipher error")
	}
	return b, nil
}

// MIC returns the AES-CMAC over the concatenation of the given blocks,
// truncated to the first four bytes (little-endian).
func (m *Module) MIC(name KeyName, blocks ...[]byte) (uint32, error) {
	key, ok := m.keys.Get(name)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownKey, "key %s", name)
	}

	hash, err := cmac.New(key[:])
	if err != nil {
		return 0, errors.Wrap(err, "new cmac error")
	}

	for _, b := range blocks {
		if _, err := hash.Write(b); err != nil {
			return 0, errors.Wrap(err, "cmac write error")
		}
	}

	sum := hash.Sum(nil)
	if len(sum) < 4 {
		return 0, errors.New("cmac returned less than 4 bytes")
	}

	return binary.LittleEndian.Uint32(sum[0:4]), nil
}

// CTR encrypts or decrypts data using AES-CTR with the given initial counter
// block. Empty input is returned as-is.
func (m *Module) CTR(name KeyName, iv [16]byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	b, err := m.block(name)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	cipher.NewCTR(b, iv[:]).XORKeyStream(out, data)
	return out, nil
}

// ECBEncrypt encrypts data using AES-ECB. The last partial block (if any) is
// zero padded.
func (m *Module) ECBEncrypt(name KeyName, data []byte) ([]byte, error) {
	b, err := m.block(name)
	if err != nil {
		return nil, err
	}

	size := len(data)
	if size%aes.BlockSize != 0 {
		size += aes.BlockSize - size%aes.BlockSize
	}

	in := make([]byte, size)
	copy(in, data)
	out := make([]byte, size)

	for i := 0; i < size; i += aes.BlockSize {
		b.Encrypt(out[i:i+aes.BlockSize], in[i:i+aes.BlockSize])
	}
	return out, nil
}

// ECBDecrypt decrypts data using AES-ECB. The length of data must be a
// multiple of the AES block size.
func (m *Module) ECBDecrypt(name KeyName, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}

	b, err := m.block(name)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		b.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

func (m *Module) derive(root KeyName, tag byte, ctx []byte) (*lorawan.AES128Key, error) {
	var in [16]byte
	in[0] = tag
	copy(in[1:], ctx)

	out, err := m.ECBEncrypt(root, in[:])
	if err != nil {
		return nil, err
	}

	var key lorawan.AES128Key
	copy(key[:], out)
	return &key, nil
}

// DeriveKeys derives the LoRaWAN 1.0 session keys. The network session key is
// also stored under the 1.1 key names so that a 1.0 session can be handled by
// the same code paths.
func (m *Module) DeriveKeys(joinNonce uint32, netID lorawan.NetID, devNonce uint16) error {
	ctx := make([]byte, 15)
	putUint24(ctx[0:3], joinNonce)
	putUint24(ctx[3:6], netIDToUint32(netID))
	binary.LittleEndian.PutUint16(ctx[6:8], devNonce)

	apps, err := m.derive(NwkKey, 0x02, ctx)
	if err != nil {
		return errors.Wrap(err, "derive AppSKey error")
	}
	nwks, err := m.derive(NwkKey, 0x01, ctx)
	if err != nil {
		return errors.Wrap(err, "derive NwkSKey error")
	}

	m.keys.AppS = apps
	m.keys.FNwkSInt = nwks
	m.keys.SNwkSInt = copyKey(nwks)
	m.keys.NwkSEnc = copyKey(nwks)
	m.keys.JSEnc = copyKey(nwks)
	m.keys.JSInt = copyKey(nwks)

	return nil
}

// DeriveKeys2 derives the LoRaWAN 1.1 session keys. AppSKey is only derived
// when the device has an AppKey, else the application payload is left to be
// decrypted end-to-end.
func (m *Module) DeriveKeys2(joinNonce uint32, joinEUI lorawan.EUI64, devNonce uint16, devEUI lorawan.EUI64) error {
	ctx := make([]byte, 15)
	putUint24(ctx[0:3], joinNonce)
	putEUI(ctx[3:11], joinEUI)
	binary.LittleEndian.PutUint16(ctx[11:13], devNonce)

	jsCtx := make([]byte, 15)
	putEUI(jsCtx[0:8], devEUI)

	var err error
	ks := KeySet{Nwk: m.keys.Nwk, App: m.keys.App}

	if ks.JSEnc, err = m.derive(NwkKey, 0x05, jsCtx); err != nil {
		return errors.Wrap(err, "derive JSEncKey error")
	}
	if ks.JSInt, err = m.derive(NwkKey, 0x06, jsCtx); err != nil {
		return errors.Wrap(err, "derive JSIntKey error")
	}
	if ks.FNwkSInt, err = m.derive(NwkKey, 0x01, ctx); err != nil {
		return errors.Wrap(err, "derive FNwkSIntKey error")
	}
	if ks.SNwkSInt, err = m.derive(NwkKey, 0x03, ctx); err != nil {
		return errors.Wrap(err, "derive SNwkSIntKey error")
	}
	if ks.NwkSEnc, err = m.derive(NwkKey, 0x04, ctx); err != nil {
		return errors.Wrap(err, "derive NwkSEncKey error")
	}
	if m.keys.App != nil {
		if ks.AppS, err = m.derive(AppKey, 0x02, ctx); err != nil {
			return errors.Wrap(err, "derive AppSKey error")
		}
	}

	*m.keys = ks
	return nil
}

func copyKey(k *lorawan.AES128Key) *lorawan.AES128Key {
	out := *k
	return &out
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// putEUI writes the EUI in little-endian (over the air) byte order.
func putEUI(b []byte, eui lorawan.EUI64) {
	for i := 0; i < 8; i++ {
		b[i] = eui[7-i]
	}
}

// netIDToUint32 returns the NetID as integer, NetID is stored big-endian.
func netIDToUint32(n lorawan.NetID) uint32 {
	return uint32(n[0])<<16 | uint32(n[1])<<8 | uint32(n[2])
}

package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/var-che/spacepanda/internal/xcrypto"
)

var (
	// ErrKeyRotated is returned when a caller signs through a handle
	// pinned to a device key version that has since been rotated out.
	ErrKeyRotated = errors.New("identity: device key handle refers to a rotated-out version")
	// ErrUnknownVersion is returned when a caller asks to verify against
	// a device key version that is neither current nor archived.
	ErrUnknownVersion = errors.New("identity: unknown device key version")
)

// DeviceKeyBinding is a master-signed attestation that a given device
// public key, at a given version, belongs to the master identity.
type DeviceKeyBinding struct {
	DeviceID  DeviceId
	Version   uint32
	PublicKey ed25519.PublicKey
	Signature []byte
}

// deviceCertBytes is the canonical byte encoding signed by the master
// key over device_id ‖ version ‖ public_key.
func deviceCertBytes(deviceID DeviceId, version uint32, pub ed25519.PublicKey) []byte {
	buf := make([]byte, 0, len(deviceID)+4+len(pub))
	buf = append(buf, deviceID[:]...)
	var versionBytes [4]byte
	binary.BigEndian.PutUint32(versionBytes[:], version)
	buf = append(buf, versionBytes[:]...)
	buf = append(buf, pub...)
	return buf
}

// Verify reports whether the binding's signature is valid under
// masterPub.
func (b DeviceKeyBinding) Verify(masterPub ed25519.PublicKey) bool {
	return xcrypto.Verify(masterPub, deviceCertBytes(b.DeviceID, b.Version, b.PublicKey), b.Signature)
}

// DeviceKey owns a device's live Ed25519 keypair plus its rotation
// history. current_version strictly increases; on rotation, the old
// public key moves into archived_keys under its version before the new
// key becomes current, and signature_counter resets to 0.
type DeviceKey struct {
	mu sync.Mutex

	deviceID DeviceId
	masterPub ed25519.PublicKey

	currentVersion uint32
	pub            ed25519.PublicKey
	priv           ed25519.PrivateKey
	signatureCounter uint64
	archivedKeys     map[uint32][]byte
	masterBinding    DeviceKeyBinding
}

// GenerateUnder creates a new device key at version 0, signed by
// master, returning both the live key and its initial binding.
func GenerateUnder(master *MasterKey) (*DeviceKey, DeviceKeyBinding, error) {
	pub, priv, err := xcrypto.GenerateEd25519()
	if err != nil {
		return nil, DeviceKeyBinding{}, err
	}
	deviceID := DeriveDeviceId(pub)
	binding := DeviceKeyBinding{
		DeviceID:  deviceID,
		Version:   0,
		PublicKey: pub,
		Signature: master.Sign(deviceCertBytes(deviceID, 0, pub)),
	}
	dk := &DeviceKey{
		deviceID:      deviceID,
		masterPub:     master.PublicKey(),
		currentVersion: 0,
		pub:           pub,
		priv:          priv,
		archivedKeys:  make(map[uint32][]byte),
		masterBinding: binding,
	}
	return dk, binding, nil
}

// DeviceID returns the device's stable identifier.
func (d *DeviceKey) DeviceID() DeviceId {
	return d.deviceID
}

// CurrentVersion returns the live key version.
func (d *DeviceKey) CurrentVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentVersion
}

// PublicKey returns the current live public key.
func (d *DeviceKey) PublicKey() ed25519.PublicKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pub
}

// Handle pins the caller to the device key's version at the time of the
// call. Signing through a Handle after a subsequent rotation fails with
// ErrKeyRotated rather than silently signing under the new key.
type Handle struct {
	device  *DeviceKey
	version uint32
}

// Handle returns a version-pinned signing handle for the device's
// current live key.
func (d *DeviceKey) Handle() Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Handle{device: d, version: d.currentVersion}
}

// signingBytes is the canonical encoding a device key signs over:
// version ‖ counter ‖ msg.
func signingBytes(version uint32, counter uint64, msg []byte) []byte {
	buf := make([]byte, 0, 4+8+len(msg))
	var versionBytes [4]byte
	binary.BigEndian.PutUint32(versionBytes[:], version)
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	buf = append(buf, versionBytes[:]...)
	buf = append(buf, counterBytes[:]...)
	buf = append(buf, msg...)
	return buf
}

// Sign increments the device's signature counter and signs
// version‖counter‖msg under the live key. It fails with ErrKeyRotated if
// h was pinned to a version that is no longer current.
func (h Handle) Sign(msg []byte) (signature []byte, counter uint64, err error) {
	d := h.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.version != d.currentVersion {
		return nil, 0, ErrKeyRotated
	}
	d.signatureCounter++
	counter = d.signatureCounter
	signature = xcrypto.Sign(d.priv, signingBytes(d.currentVersion, counter, msg))
	return signature, counter, nil
}

// SignDetached signs msg directly under the live key with no internal
// version/counter wrapping, for callers - such as CRDT operation
// signing - that supply their own canonical encoding and track their
// own counter externally. It still fails with ErrKeyRotated if h is
// stale.
func (h Handle) SignDetached(msg []byte) ([]byte, error) {
	d := h.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.version != d.currentVersion {
		return nil, ErrKeyRotated
	}
	return xcrypto.Sign(d.priv, msg), nil
}

// VerifyWithCounter selects the public key registered for version
// (current or archived), then verifies sig over version‖counter‖msg. It
// does not itself enforce counter freshness - that is the caller's
// replay tracker's responsibility.
func (d *DeviceKey) VerifyWithCounter(msg, sig []byte, version uint32, counter uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pub ed25519.PublicKey
	switch {
	case version == d.currentVersion:
		pub = d.pub
	default:
		archived, ok := d.archivedKeys[version]
		if !ok {
			return false, ErrUnknownVersion
		}
		pub = ed25519.PublicKey(archived)
	}
	return xcrypto.Verify(pub, signingBytes(version, counter, msg), sig), nil
}

// Rotate archives the current (version, public_key) pair, generates a
// fresh keypair, bumps the version, resets the signature counter to
// zero, and produces a fresh master-signed binding.
func (d *DeviceKey) Rotate(master *MasterKey) (DeviceKeyBinding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !bytes.Equal(master.PublicKey(), d.masterPub) {
		return DeviceKeyBinding{}, errors.New("identity: rotate called with non-owning master key")
	}

	d.archivedKeys[d.currentVersion] = append([]byte(nil), d.pub...)

	pub, priv, err := xcrypto.GenerateEd25519()
	if err != nil {
		return DeviceKeyBinding{}, err
	}
	newVersion := d.currentVersion + 1
	binding := DeviceKeyBinding{
		DeviceID:  d.deviceID,
		Version:   newVersion,
		PublicKey: pub,
		Signature: master.Sign(deviceCertBytes(d.deviceID, newVersion, pub)),
	}

	d.pub = pub
	d.priv = priv
	d.currentVersion = newVersion
	d.signatureCounter = 0
	d.masterBinding = binding

	return binding, nil
}

// ArchivedVersions returns the set of version numbers retired by prior
// rotations, for diagnostics and ACL bookkeeping.
func (d *DeviceKey) ArchivedVersions() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	versions := make([]uint32, 0, len(d.archivedKeys))
	for v := range d.archivedKeys {
		versions = append(versions, v)
	}
	return versions
}

// Wipe zeroes the device's live private key.
func (d *DeviceKey) Wipe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.priv {
		d.priv[i] = 0
	}
}

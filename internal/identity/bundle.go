package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"os"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// ErrBundleCorrupt marks a decoded identity bundle whose key lengths
// don't match the expected Ed25519 sizes - the keystore AEAD tag
// verified, but the plaintext it protected isn't a bundle this version
// understands.
var ErrBundleCorrupt = errors.New("identity: decoded bundle has malformed key material")

// Bundle is the pair of long-lived keys a single node's keystore file
// protects: the master identity and its current device key, with the
// device key's full rotation history so a restart picks up exactly
// where the process left off rather than minting a fresh device.
type Bundle struct {
	Master *MasterKey
	Device *DeviceKey
}

// bundleWire is the plaintext Bundle sealed inside a keystore file
// (see Save/Load): everything needed to reconstruct both keys
// byte-for-byte, including archived device key versions so a loaded
// node can still verify signatures made before its most recent
// rotation.
type bundleWire struct {
	MasterSeed       [32]byte          `json:"master_seed"`
	DeviceID         DeviceId          `json:"device_id"`
	CurrentVersion   uint32            `json:"current_version"`
	DevicePublic     ed25519.PublicKey `json:"device_public"`
	DevicePrivate    ed25519.PrivateKey `json:"device_private"`
	SignatureCounter uint64            `json:"signature_counter"`
	ArchivedKeys     map[uint32][]byte `json:"archived_keys"`
	Binding          DeviceKeyBinding  `json:"binding"`
}

// GenerateBundle mints a fresh master identity and a device key bound
// under it, the path a brand-new node takes on first run.
func GenerateBundle() (*Bundle, error) {
	master, err := Generate()
	if err != nil {
		return nil, err
	}
	device, _, err := GenerateUnder(master)
	if err != nil {
		return nil, err
	}
	return &Bundle{Master: master, Device: device}, nil
}

// Marshal encodes the bundle as the plaintext payload a keystore file
// seals. Callers must treat the returned bytes as sensitive and wipe
// them once sealed.
func (b *Bundle) Marshal() ([]byte, error) {
	b.Device.mu.Lock()
	wire := bundleWire{
		MasterSeed:       b.Master.seed,
		DeviceID:         b.Device.deviceID,
		CurrentVersion:   b.Device.currentVersion,
		DevicePublic:     append(ed25519.PublicKey(nil), b.Device.pub...),
		DevicePrivate:    append(ed25519.PrivateKey(nil), b.Device.priv...),
		SignatureCounter: b.Device.signatureCounter,
		ArchivedKeys:     b.Device.archivedKeys,
		Binding:          b.Device.masterBinding,
	}
	b.Device.mu.Unlock()
	return json.Marshal(wire)
}

// UnmarshalBundle decodes a bundle previously produced by Marshal,
// reconstructing both the MasterKey and the DeviceKey with its full
// rotation state intact.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var wire bundleWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.UnmarshalBundle", "malformed bundle payload", err)
	}
	if len(wire.DevicePublic) != ed25519.PublicKeySize || len(wire.DevicePrivate) != ed25519.PrivateKeySize {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.UnmarshalBundle", "malformed device key material", ErrBundleCorrupt)
	}
	master, err := FromSeed(wire.MasterSeed)
	if err != nil {
		return nil, err
	}
	archived := wire.ArchivedKeys
	if archived == nil {
		archived = make(map[uint32][]byte)
	}
	device := &DeviceKey{
		deviceID:         wire.DeviceID,
		masterPub:        master.PublicKey(),
		currentVersion:   wire.CurrentVersion,
		pub:              wire.DevicePublic,
		priv:             wire.DevicePrivate,
		signatureCounter: wire.SignatureCounter,
		archivedKeys:     archived,
		masterBinding:    wire.Binding,
	}
	return &Bundle{Master: master, Device: device}, nil
}

// LoadOrCreateBundle loads the identity bundle sealed at path under
// passphrase, or - if no file exists yet - mints a fresh one and seals
// it there, the same "first run provisions, later runs restore"
// pattern the teacher's daemon composition root uses for its own
// identity file.
func LoadOrCreateBundle(path, passphrase string) (*Bundle, error) {
	if _, err := os.Stat(path); err == nil {
		plaintext, err := Load(path, passphrase)
		if err != nil {
			return nil, err
		}
		defer zero(plaintext)
		return UnmarshalBundle(plaintext)
	} else if !os.IsNotExist(err) {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.LoadOrCreateBundle", "cannot stat keystore path", err)
	}

	bundle, err := GenerateBundle()
	if err != nil {
		return nil, err
	}
	plaintext, err := bundle.Marshal()
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)
	if err := Save(path, passphrase, plaintext); err != nil {
		return nil, err
	}
	return bundle, nil
}

// Wipe zeroes both the master and device private key material.
func (b *Bundle) Wipe() {
	b.Master.Wipe()
	b.Device.Wipe()
}

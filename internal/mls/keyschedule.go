package mls

import "github.com/var-che/spacepanda/internal/xcrypto"

// EpochSecrets holds every secret an epoch's HKDF key schedule derives
// from a joiner_secret: joiner -> welcome/epoch, then epoch ->
// sender_data/encryption/exporter/authentication/application. Each is
// domain-separated by a distinct label and salted by the group id so
// two groups never share derived material even if a joiner_secret were
// ever reused.
type EpochSecrets struct {
	Epoch                uint64
	JoinerSecret         []byte
	WelcomeSecret        []byte
	EpochSecret          []byte
	SenderDataSecret     []byte
	EncryptionSecret     []byte
	ExporterSecret       []byte
	AuthenticationSecret []byte
	ApplicationSecret    []byte
}

// DeriveEpochSecrets runs the full key schedule for one epoch.
func DeriveEpochSecrets(groupID [32]byte, epoch uint64, joinerSecret []byte) (*EpochSecrets, error) {
	welcomeSecret, err := expand(joinerSecret, groupID, "welcome")
	if err != nil {
		return nil, err
	}
	epochSecret, err := expand(joinerSecret, groupID, "epoch")
	if err != nil {
		return nil, err
	}
	senderData, err := expand(epochSecret, groupID, "sender_data")
	if err != nil {
		return nil, err
	}
	encryption, err := expand(epochSecret, groupID, "encryption")
	if err != nil {
		return nil, err
	}
	exporter, err := expand(epochSecret, groupID, "exporter")
	if err != nil {
		return nil, err
	}
	authentication, err := expand(epochSecret, groupID, "authentication")
	if err != nil {
		return nil, err
	}
	application, err := expand(epochSecret, groupID, "application")
	if err != nil {
		return nil, err
	}
	return &EpochSecrets{
		Epoch:                epoch,
		JoinerSecret:         joinerSecret,
		WelcomeSecret:        welcomeSecret,
		EpochSecret:          epochSecret,
		SenderDataSecret:     senderData,
		EncryptionSecret:     encryption,
		ExporterSecret:       exporter,
		AuthenticationSecret: authentication,
		ApplicationSecret:    application,
	}, nil
}

func expand(ikm []byte, groupID [32]byte, label string) ([]byte, error) {
	return xcrypto.HKDFExpand(ikm, groupID[:], []byte("spacepanda-mls-"+label), 32)
}

// NextJoinerSecret derives the joiner_secret for epoch+1 from the
// current epoch's encryption_secret, the committer's fresh commitSecret,
// and the post-commit tree's folded secret - standing in for the
// per-path HPKE secret a full MLS commit would distribute, while still
// giving every honest receiver who applies the identical proposal
// sequence the identical result.
func NextJoinerSecret(current *EpochSecrets, commitSecret, postCommitTreeSecret []byte) ([]byte, error) {
	ikm := append(append([]byte{}, current.EncryptionSecret...), commitSecret...)
	return xcrypto.HKDFExpand(ikm, nil, append([]byte("spacepanda-mls-joiner-next-"), postCommitTreeSecret...), 32)
}

// handshakeKey derives the symmetric key used to encrypt a Commit
// message under the prior epoch's authentication_secret, and its nonce.
func handshakeKeyNonce(authSecret []byte) (key, nonce []byte, err error) {
	derived, err := xcrypto.HKDFExpand(authSecret, nil, []byte("spacepanda-mls-commit-handshake"), xcrypto.AEADKeySize+xcrypto.AEADNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return derived[:xcrypto.AEADKeySize], derived[xcrypto.AEADKeySize:], nil
}

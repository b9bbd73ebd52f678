package spacepanda

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/var-che/spacepanda/internal/store"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// idHex renders any fixed-size id byte slice as lowercase hex, the
// correlation-id shape logInfo/logWarn/recordErrorWithContext expect.
func idHex(b []byte) string {
	return hex.EncodeToString(b)
}

// groupIDFromChannel derives the 32-byte MLS group id a channel's
// messages are sealed under from its 16-byte channel id.
func groupIDFromChannel(channelID store.ChannelId) [32]byte {
	return xcrypto.Blake3Sum256(channelID[:])
}

// channelDir returns (and ensures exists) the per-channel on-disk
// directory holding its commit log, MLS group state, and snapshots.
func (s *Service) channelDir(id store.ChannelId) (string, error) {
	dir := filepath.Join(s.storageDir, "channels", idHex(id[:]))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// correlationID joins non-empty parts with ':', for building a single
// correlation id out of several contributing identifiers.
func correlationID(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "n/a"
	}
	return strings.Join(kept, ":")
}

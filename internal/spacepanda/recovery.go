package spacepanda

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/var-che/spacepanda/internal/identity"
	"github.com/var-che/spacepanda/internal/mls"
	"github.com/var-che/spacepanda/internal/store"
)

// RestoreChannel reconstructs a channel this device previously joined
// after a restart: its MLS group (epoch, ratchet tree, per-sender
// application ratchets), its latest decrypted-message snapshot if one
// was ever taken, and any messages appended to the local commit log
// since that snapshot. Replaying the full log unconditionally is safe
// - AppendMessage no-ops on an id already present - and entries sealed
// under an epoch the restored group has since moved past are rejected
// by group.Open exactly as they would be from a live peer; those are
// expected to already be captured in the snapshot and are not an error
// in the channel's recovered state, only logged.
func (s *Service) RestoreChannel(channelID store.ChannelId, spaceID store.SpaceId) (*store.Channel, error) {
	secret, err := s.groupStorageSecret(channelID)
	if err != nil {
		return nil, err
	}
	group, err := mls.Load(s.groupStoragePath(channelID), secret, s.device.Handle())
	if err != nil {
		return nil, err
	}

	channel, _, hasSnapshot, err := s.loadChannelSnapshot(channelID)
	if err != nil {
		return nil, err
	}
	if !hasSnapshot {
		channel = store.NewChannel(channelID, spaceID, "", s.nodeTag, time.Now())
	}

	dir, err := s.channelDir(channelID)
	if err != nil {
		return nil, err
	}
	commitLogPath := filepath.Join(dir, "commit.log")
	frames, err := store.ReadAll(commitLogPath)
	if err != nil {
		return nil, err
	}
	commitLog, err := store.OpenCommitLog(commitLogPath)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.channels[channelID] = channel
	s.channelSpace[channelID] = spaceID
	s.groups[channelID] = group
	s.commitLogs[channelID] = commitLog
	s.deviceOwners[s.device.DeviceID()] = s.master.UserId()
	s.mu.Unlock()

	s.acl.Authorize(idHex(channelID[:]), s.device.DeviceID(), s.device.CurrentVersion(), s.device.PublicKey())
	for _, member := range group.Members() {
		deviceID := identity.DeriveDeviceId(member.Credential)
		if deviceID == s.device.DeviceID() {
			continue
		}
		// The group's own credential list carries no owner mapping
		// for remote devices; ACL authorization is what actually gates
		// message acceptance, so the device is authorized here with an
		// owner mapping left to be filled in as traffic from it is
		// delivered.
		s.acl.Authorize(idHex(channelID[:]), deviceID, 0, member.Credential)
	}

	restored := 0
	for _, frame := range frames {
		var env mls.ApplicationEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.recordErrorWithContext("channel_restore_replay", err, "spacepanda.RestoreChannel", idHex(channelID[:]))
			continue
		}
		if _, err := s.DeliverInbound(channelID, &env); err != nil {
			s.logWarn("spacepanda.RestoreChannel", idHex(channelID[:]), "commit log entry not replayable against restored group", "epoch", env.Epoch, "seq", env.Seq)
			continue
		}
		restored++
	}

	s.logInfo("spacepanda.RestoreChannel", idHex(channelID[:]), "channel restored", "epoch", group.Epoch(), "replayed", restored)
	return channel, nil
}

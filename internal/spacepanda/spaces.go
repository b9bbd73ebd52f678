package spacepanda

import (
	"path/filepath"
	"time"

	"github.com/var-che/spacepanda/internal/identity"
	"github.com/var-che/spacepanda/internal/mls"
	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/store"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// openChannelCommitLog ensures the channel's on-disk directory exists
// before opening its commit log; CreateChannel/JoinChannelViaWelcome
// are always the first writers into that directory.
func (s *Service) openChannelCommitLog(id store.ChannelId) (*store.CommitLog, error) {
	dir, err := s.channelDir(id)
	if err != nil {
		return nil, err
	}
	return store.OpenCommitLog(filepath.Join(dir, "commit.log"))
}

// CreateSpace creates a new top-level space owned by the caller's
// identity.
func (s *Service) CreateSpace(name string) (*store.Space, error) {
	id := store.SpaceId(newRandomID())
	space := store.NewSpace(id, name, s.master.UserId(), s.nodeTag, time.Now())

	s.mu.Lock()
	s.spaces[id] = space
	s.mu.Unlock()

	s.logInfo("spacepanda.CreateSpace", idHex(id[:]), "space created", "name", name)
	return space, nil
}

// CreateChannel creates a channel within an existing space, opens its
// commit log, and starts a brand-new MLS group containing only the
// caller. The caller becomes the channel's first member.
func (s *Service) CreateChannel(spaceID store.SpaceId, name string) (*store.Channel, error) {
	s.mu.Lock()
	space, ok := s.spaces[spaceID]
	s.mu.Unlock()
	if !ok {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.CreateChannel", "unknown space")
	}

	id := store.ChannelId(newRandomID())
	channel := store.NewChannel(id, spaceID, name, s.nodeTag, time.Now())

	encKP, err := xcrypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	handle := s.device.Handle()
	group, err := mls.CreateGroup(groupIDFromChannel(id), s.device.PublicKey(), encKP.Public, handle)
	if err != nil {
		return nil, err
	}

	commitLog, err := s.openChannelCommitLog(id)
	if err != nil {
		return nil, err
	}

	s.acl.Authorize(idHex(id[:]), s.device.DeviceID(), s.device.CurrentVersion(), s.device.PublicKey())

	s.mu.Lock()
	space.Channels.Add(id, s.nodeTag)
	channel.Members.Add(s.master.UserId(), s.nodeTag)
	s.channels[id] = channel
	s.channelSpace[id] = spaceID
	s.groups[id] = group
	s.commitLogs[id] = commitLog
	s.deviceOwners[s.device.DeviceID()] = s.master.UserId()
	s.mu.Unlock()

	s.persistGroup(id, group)
	s.logInfo("spacepanda.CreateChannel", idHex(id[:]), "channel created", "space_id", idHex(spaceID[:]), "name", name)
	return channel, nil
}

// AddChannelMember proposes and commits an Add for a prospective
// member's MLS key package, registers the (device, owner) mapping this
// façade uses to resolve a delivered message's Author, and authorizes
// the device in the channel's CRDT ACL. The caller is responsible for
// delivering the returned CommitBundle's encrypted commit to every
// current member and the new member's Welcome.
func (s *Service) AddChannelMember(channelID store.ChannelId, kp *mls.KeyPackage, owner identity.UserId) (*mls.CommitBundle, error) {
	s.mu.Lock()
	group := s.groups[channelID]
	channel := s.channels[channelID]
	s.mu.Unlock()
	if group == nil || channel == nil {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.AddChannelMember", "unknown channel")
	}

	if err := group.ProposeAdd(kp); err != nil {
		return nil, err
	}
	bundle, err := group.Commit()
	if err != nil {
		return nil, err
	}

	deviceID := identity.DeriveDeviceId(kp.Credential)

	s.mu.Lock()
	s.deviceOwners[deviceID] = owner
	channel.Members.Add(owner, s.nodeTag)
	s.mu.Unlock()
	s.acl.Authorize(idHex(channelID[:]), deviceID, 0, kp.Credential)

	s.persistGroup(channelID, group)
	s.logInfo("spacepanda.AddChannelMember", idHex(channelID[:]), "member added", "owner", owner.String())
	return bundle, nil
}

// RemoveChannelMember proposes and commits a Remove for leaf. Every
// current member, including the remover, must ApplyCommit the
// returned bundle; a member whose own leaf is removed transitions to
// mls.StateEvicted and can no longer Seal or Open in this channel.
func (s *Service) RemoveChannelMember(channelID store.ChannelId, leaf mls.LeafIndex) (*mls.CommitBundle, error) {
	s.mu.RLock()
	group := s.groups[channelID]
	s.mu.RUnlock()
	if group == nil {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.RemoveChannelMember", "unknown channel")
	}
	if err := group.ProposeRemove(leaf); err != nil {
		return nil, err
	}
	bundle, err := group.Commit()
	if err != nil {
		return nil, err
	}
	s.persistGroup(channelID, group)
	s.logInfo("spacepanda.RemoveChannelMember", idHex(channelID[:]), "member removed")
	return bundle, nil
}

// ApplyChannelCommit applies an inbound MLS Commit (an Add, Update, or
// Remove distributed by another member) to the channel's group.
func (s *Service) ApplyChannelCommit(channelID store.ChannelId, encryptedCommit []byte) error {
	s.mu.RLock()
	group := s.groups[channelID]
	s.mu.RUnlock()
	if group == nil {
		return spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.ApplyChannelCommit", "unknown channel")
	}
	if err := group.ApplyCommit(encryptedCommit); err != nil {
		return err
	}
	s.persistGroup(channelID, group)
	return nil
}

// JoinChannelViaWelcome instantiates and registers the MLS group this
// device joins upon receiving a Welcome, opening its commit log and
// authorizing its own device in the channel ACL.
func (s *Service) JoinChannelViaWelcome(channelID store.ChannelId, spaceID store.SpaceId, sealed *mls.SealedWelcome, recipientPriv [32]byte) (*store.Channel, error) {
	handle := s.device.Handle()
	group, err := mls.JoinViaWelcome(sealed, recipientPriv, s.device.PublicKey(), handle)
	if err != nil {
		return nil, err
	}

	commitLog, err := s.openChannelCommitLog(channelID)
	if err != nil {
		return nil, err
	}

	channel := store.NewChannel(channelID, spaceID, "", s.nodeTag, time.Now())
	channel.Members.Add(s.master.UserId(), s.nodeTag)
	s.acl.Authorize(idHex(channelID[:]), s.device.DeviceID(), s.device.CurrentVersion(), s.device.PublicKey())

	s.mu.Lock()
	s.channels[channelID] = channel
	s.channelSpace[channelID] = spaceID
	s.groups[channelID] = group
	s.commitLogs[channelID] = commitLog
	s.deviceOwners[s.device.DeviceID()] = s.master.UserId()
	s.mu.Unlock()

	s.persistGroup(channelID, group)
	s.logInfo("spacepanda.JoinChannelViaWelcome", idHex(channelID[:]), "joined channel via welcome")
	return channel, nil
}

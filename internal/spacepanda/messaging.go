package spacepanda

import (
	"encoding/json"
	"time"

	"github.com/var-che/spacepanda/internal/crdt"
	"github.com/var-che/spacepanda/internal/mls"
	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/store"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// signedOperation is what actually travels inside an MLS application
// message: a CRDT operation plus the device-signed metadata binding it
// to its author. MLS confidentiality protects the payload in transit;
// the embedded signature is what the receiving channel ACL verifies
// once it's opened.
type signedOperation struct {
	Metadata crdt.OperationMetadata
	Payload  []byte
}

// deriveMessageID computes a deterministic message id from a
// channel's id and an operation's (author_device, author_version,
// counter), so re-delivery of the same signed operation always lands
// on the same store.MessageId and Channel.AppendMessage's idempotent
// append is exercised rather than bypassed.
func deriveMessageID(channelID store.ChannelId, meta crdt.OperationMetadata) store.MessageId {
	buf := crdt.CanonicalSigningBytes(channelID[:], meta.AuthorDevice[:], meta.Counter, meta.AuthorVersion)
	return store.MessageId(xcrypto.Blake3Sum128(buf))
}

// nextCounter returns the next strictly-increasing counter for this
// device's operations in channelID, scoped by the device's current key
// version so a rotation starts a fresh counter space.
func (s *Service) nextCounter(channelID store.ChannelId) uint64 {
	key := idHex(channelID[:]) + ":" + s.device.DeviceID().Hex()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opCounters[key]++
	return s.opCounters[key]
}

// SendMessage signs payload as a CRDT append-message operation under
// the caller's device key, seals it as the channel's next MLS
// application message, appends the sealed frame to the channel's
// commit log, applies it to the local store, and notifies subscribers.
func (s *Service) SendMessage(channelID store.ChannelId, payload []byte) (store.Message, error) {
	s.mu.RLock()
	channel, ok := s.channels[channelID]
	group := s.groups[channelID]
	commitLog := s.commitLogs[channelID]
	s.mu.RUnlock()
	if !ok || group == nil {
		return store.Message{}, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.SendMessage", "unknown channel")
	}

	version := s.device.CurrentVersion()
	counter := s.nextCounter(channelID)
	signingBytes := crdt.CanonicalSigningBytes(channelID[:], payload, counter, version)
	sig, err := s.device.Handle().SignDetached(signingBytes)
	if err != nil {
		return store.Message{}, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "spacepanda.SendMessage", "sign operation", err)
	}
	meta := crdt.OperationMetadata{
		ChannelID:     channelID[:],
		AuthorDevice:  s.device.DeviceID(),
		AuthorVersion: version,
		Counter:       counter,
		Timestamp:     time.Now(),
		Signature:     sig,
	}
	if err := s.acl.VerifyOperation(meta, payload); err != nil {
		return store.Message{}, err
	}

	wire, err := json.Marshal(signedOperation{Metadata: meta, Payload: payload})
	if err != nil {
		return store.Message{}, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "spacepanda.SendMessage", "marshal signed operation", err)
	}
	env, err := group.Seal(wire)
	if err != nil {
		return store.Message{}, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return store.Message{}, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "spacepanda.SendMessage", "marshal application envelope", err)
	}
	if err := commitLog.Append(frame); err != nil {
		return store.Message{}, err
	}
	if err := commitLog.Sync(); err != nil {
		return store.Message{}, err
	}

	msg := store.Message{
		ID:        deriveMessageID(channelID, meta),
		ChannelID: channelID,
		Author:    s.master.UserId(),
		Sender:    s.device.DeviceID(),
		Epoch:     env.Epoch,
		Seq:       env.Seq,
		Plaintext: payload,
		Timestamp: meta.Timestamp,
	}

	s.mu.Lock()
	channel.AppendMessage(msg)
	s.mu.Unlock()

	s.publish(channelID, msg)
	s.logInfo("spacepanda.SendMessage", idHex(channelID[:]), "message sent", "epoch", env.Epoch, "seq", env.Seq)
	return msg, nil
}

// DeliverInbound opens an MLS application envelope a peer sent for
// channelID, verifies the embedded CRDT operation's signature and
// counter against the channel ACL, applies the resulting message to
// the local store, and notifies subscribers: the router delivers the
// sealed frame, MLS opens it, the CRDT operation's signature is
// checked, and the result lands in the store.
func (s *Service) DeliverInbound(channelID store.ChannelId, env *mls.ApplicationEnvelope) (store.Message, error) {
	s.mu.RLock()
	channel, ok := s.channels[channelID]
	group := s.groups[channelID]
	s.mu.RUnlock()
	if !ok || group == nil {
		return store.Message{}, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.DeliverInbound", "unknown channel")
	}

	plaintext, err := group.Open(env)
	if err != nil {
		return store.Message{}, err
	}

	var signed signedOperation
	if err := json.Unmarshal(plaintext, &signed); err != nil {
		return store.Message{}, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "spacepanda.DeliverInbound", "malformed signed operation", err)
	}
	if err := s.acl.VerifyOperation(signed.Metadata, signed.Payload); err != nil {
		return store.Message{}, err
	}

	s.mu.RLock()
	author, known := s.deviceOwners[signed.Metadata.AuthorDevice]
	s.mu.RUnlock()
	if !known {
		s.logWarn("spacepanda.DeliverInbound", idHex(channelID[:]), "message from a device with no known owner mapping")
	}

	msg := store.Message{
		ID:        deriveMessageID(channelID, signed.Metadata),
		ChannelID: channelID,
		Author:    author,
		Sender:    signed.Metadata.AuthorDevice,
		Epoch:     env.Epoch,
		Seq:       env.Seq,
		Plaintext: signed.Payload,
		Timestamp: signed.Metadata.Timestamp,
	}

	s.mu.Lock()
	channel.AppendMessage(msg)
	s.mu.Unlock()

	s.publish(channelID, msg)
	s.logInfo("spacepanda.DeliverInbound", idHex(channelID[:]), "message delivered", "epoch", env.Epoch, "seq", env.Seq)
	return msg, nil
}

// Subscribe returns a channel delivering every Message appended to
// channelID from this point on (via SendMessage or DeliverInbound),
// and an unsubscribe function the caller must eventually call to
// release it.
func (s *Service) Subscribe(channelID store.ChannelId) (<-chan store.Message, func()) {
	ch := make(chan store.Message, 32)

	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subscribers[channelID] = append(s.subscribers[channelID], &subscription{id: id, ch: ch})
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[channelID]
		for i, sub := range subs {
			if sub.id == id {
				close(sub.ch)
				s.subscribers[channelID] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe
}

// publish fans msg out to every live subscriber of channelID. A
// subscriber whose buffer is full has the message dropped rather than
// blocking the sender - a slow consumer never stalls message delivery
// for others.
func (s *Service) publish(channelID store.ChannelId, msg store.Message) {
	s.mu.RLock()
	subs := append([]*subscription(nil), s.subscribers[channelID]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			s.logWarn("spacepanda.publish", idHex(channelID[:]), "subscriber channel full, dropping message")
		}
	}
}

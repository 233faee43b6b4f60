package securechannel_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/handshake"
	"github.com/rigado/companion/oob"
	"github.com/rigado/companion/securechannel"
	"github.com/rigado/companion/sliceops"
	"github.com/rigado/companion/storage"
	"github.com/rigado/companion/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	msg companion.DeviceMessage
	op  companion.OperationType
}

// fakeStream hands written messages to the test and lets it inject
// messages from the phone.
type fakeStream struct {
	listener stream.MessageListener
	sent     []sent
	err      error
}

func (f *fakeStream) WriteMessage(msg companion.DeviceMessage, op companion.OperationType) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{msg, op})
	return nil
}

func (f *fakeStream) SetMessageListener(fn stream.MessageListener) {
	f.listener = fn
}

func (f *fakeStream) deliver(payload []byte, encrypted bool, op companion.OperationType) {
	f.listener(companion.NewDeviceMessage(uuid.Nil, encrypted, payload), op)
}

func (f *fakeStream) handshake(payload []byte) {
	f.deliver(payload, false, companion.OperationEncryptionHandshake)
}

func (f *fakeStream) last(t *testing.T) sent {
	t.Helper()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type recorder struct {
	established int
	failures    []companion.ErrorCode
	messages    []companion.DeviceMessage
	msgErrors   []error
	deviceIDs   []uuid.UUID
}

func (r *recorder) OnSecureChannelEstablished() { r.established++ }
func (r *recorder) OnEstablishSecureChannelFailure(code companion.ErrorCode) {
	r.failures = append(r.failures, code)
}
func (r *recorder) OnMessageReceived(msg companion.DeviceMessage) {
	r.messages = append(r.messages, msg)
}
func (r *recorder) OnMessageReceivedError(err error) { r.msgErrors = append(r.msgErrors, err) }
func (r *recorder) OnDeviceIDReceived(id uuid.UUID)  { r.deviceIDs = append(r.deviceIDs, id) }

// runToVerification drives the client through init and finish and returns
// the client's view of the codes.
func runToVerification(t *testing.T, s *fakeStream, client *handshake.Client) handshake.Message {
	init, err := client.InitHandshake()
	require.NoError(t, err)
	s.handshake(init.NextMessage)

	resp := s.last(t)
	require.Equal(t, companion.OperationEncryptionHandshake, resp.op)
	require.False(t, resp.msg.Encrypted)

	fin, err := client.ContinueHandshake(resp.msg.Payload)
	require.NoError(t, err)
	s.handshake(fin.NextMessage)
	return fin
}

func TestAssociation(t *testing.T) {
	store := storage.NewMemory()
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, store, securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)
	var shown string
	ch.SetShowVerificationCodeListener(func(code string) { shown = code })

	client := handshake.NewClient()
	codes := runToVerification(t, s, client)
	assert.Equal(t, codes.VerificationCode, shown)
	assert.Equal(t, handshake.VerificationNeeded, ch.State())
	assert.Len(t, s.sent, 1)

	ch.NotifyOutOfBandAccepted()
	done, err := client.VerifyPin()
	require.NoError(t, err)
	key := done.Key

	idMsg := s.last(t)
	require.True(t, idMsg.msg.Encrypted)
	plain, err := key.Decrypt(idMsg.msg.Payload)
	require.NoError(t, err)
	uid, err := store.UniqueID()
	require.NoError(t, err)
	assert.Equal(t, uid[:], plain)
	assert.Zero(t, rec.established)

	deviceID := uuid.New()
	secret := []byte("challenge-secret")
	enc, err := key.Encrypt(sliceops.Concat(deviceID[:], secret))
	require.NoError(t, err)
	s.deliver(enc, true, companion.OperationEncryptionHandshake)

	require.Empty(t, rec.failures)
	assert.Equal(t, []uuid.UUID{deviceID}, rec.deviceIDs)
	assert.Equal(t, 1, rec.established)

	stored, err := store.EncryptionKey(deviceID)
	require.NoError(t, err)
	assert.Equal(t, key.Bytes(), stored)
	_, err = store.HashWithChallengeSecret(deviceID, []byte{1})
	assert.NoError(t, err)

	// application traffic in both directions
	require.NoError(t, ch.SendClientMessage(companion.NewDeviceMessage(uuid.New(), true, []byte("hello"))))
	out := s.last(t)
	assert.Equal(t, companion.OperationClientMessage, out.op)
	plain, err = key.Decrypt(out.msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plain)

	enc, err = key.Encrypt([]byte("hi"))
	require.NoError(t, err)
	s.deliver(enc, true, companion.OperationClientMessage)
	require.Len(t, rec.messages, 1)
	assert.Equal(t, []byte("hi"), rec.messages[0].Payload)
	assert.False(t, rec.messages[0].Encrypted)
}

func TestAssociationBadConfirm(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)
	ch.SetShowVerificationCodeListener(func(string) { t.Fatal("code shown for bad handshake") })

	client := handshake.NewClient()
	init, err := client.InitHandshake()
	require.NoError(t, err)
	s.handshake(init.NextMessage)

	bogus := make([]byte, 17)
	bogus[0] = 1
	s.handshake(bogus)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidHandshake}, rec.failures)
	assert.Equal(t, handshake.Invalid, ch.State())

	// a failed channel ignores everything after
	s.handshake(bogus)
	assert.Len(t, rec.failures, 1)
}

func TestAssociationWithoutCodeListener(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)

	runToVerification(t, s, handshake.NewClient())
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidState}, rec.failures)
}

func TestNotifyAcceptedTooEarly(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)

	ch.NotifyOutOfBandAccepted()
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidVerification}, rec.failures)
	assert.Empty(t, s.sent)
}

func TestShortDeviceIDMessage(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)
	ch.SetShowVerificationCodeListener(func(string) {})

	client := handshake.NewClient()
	runToVerification(t, s, client)
	ch.NotifyOutOfBandAccepted()
	done, err := client.VerifyPin()
	require.NoError(t, err)

	enc, err := done.Key.Encrypt(make([]byte, 16))
	require.NoError(t, err)
	s.deliver(enc, true, companion.OperationEncryptionHandshake)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidDeviceID}, rec.failures)
	assert.Zero(t, rec.established)
}

func TestEncryptedMessageWithoutKey(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)

	s.deliver([]byte("x"), true, companion.OperationClientMessage)
	require.Len(t, rec.msgErrors, 1)
	assert.Equal(t, securechannel.ErrNotEstablished, errors.Cause(rec.msgErrors[0]))
	assert.Empty(t, rec.messages)

	err := ch.SendClientMessage(companion.NewDeviceMessage(uuid.New(), true, []byte("x")))
	assert.Equal(t, securechannel.ErrNotEstablished, err)

	// plain messages pass through
	require.NoError(t, ch.SendClientMessage(companion.NewDeviceMessage(uuid.New(), false, []byte("x"))))
	assert.Equal(t, []byte("x"), s.last(t).msg.Payload)
}

func TestClientMessageBeforeEstablished(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)
	ch.SetShowVerificationCodeListener(func(string) {})

	s.deliver([]byte("hello"), false, companion.OperationClientMessage)
	assert.Equal(t, handshake.Unknown, ch.State())
	require.Len(t, rec.msgErrors, 1)
	assert.Equal(t, securechannel.ErrNotEstablished, errors.Cause(rec.msgErrors[0]))

	// a session key exists once the pin is accepted, but the phone has not
	// sent its device id yet
	client := handshake.NewClient()
	runToVerification(t, s, client)
	ch.NotifyOutOfBandAccepted()
	done, err := client.VerifyPin()
	require.NoError(t, err)
	enc, err := done.Key.Encrypt([]byte("early"))
	require.NoError(t, err)
	s.deliver(enc, true, companion.OperationClientMessage)

	require.Len(t, rec.msgErrors, 2)
	assert.Equal(t, securechannel.ErrNotEstablished, errors.Cause(rec.msgErrors[1]))
	assert.Empty(t, rec.messages)
	assert.Zero(t, rec.established)
}

func TestUnregisteredCallbackIsSilent(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	ch := securechannel.NewAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false))
	ch.RegisterCallback(rec)
	ch.UnregisterCallback(rec)

	s.deliver([]byte("x"), false, companion.OperationClientMessage)
	assert.Empty(t, rec.messages)
}

func oobPair(t *testing.T) (*oob.ConnectionManager, *oob.ConnectionManager) {
	car := oob.NewConnectionManager()
	var data []byte
	err := car.StartOobExchange(context.Background(), oob.ChannelFunc(func(_ context.Context, b []byte) error {
		data = b
		return nil
	}))
	require.NoError(t, err)
	phone, err := oob.NewPeerConnectionManager(data)
	require.NoError(t, err)
	return car, phone
}

func TestOobAssociation(t *testing.T) {
	store := storage.NewMemory()
	s := &fakeStream{}
	rec := &recorder{}
	carOob, phoneOob := oobPair(t)
	ch := securechannel.NewOobAssociationChannel(s, store, securechannel.DefaultRunnerFactory(false), carOob)
	ch.RegisterCallback(rec)
	ch.SetShowVerificationCodeListener(func(string) { t.Fatal("oob association shows no code") })

	client := handshake.NewClient()
	codes := runToVerification(t, s, client)
	assert.Equal(t, handshake.OobVerificationNeeded, ch.State())

	got, err := phoneOob.DecryptVerificationCode(s.last(t).msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, codes.FullVerificationCode, got)

	reply, err := phoneOob.EncryptVerificationCode(codes.FullVerificationCode)
	require.NoError(t, err)
	s.handshake(reply)
	require.Empty(t, rec.failures)
	assert.Equal(t, handshake.Finished, ch.State())

	done, err := client.VerifyPin()
	require.NoError(t, err)
	idMsg := s.last(t)
	require.True(t, idMsg.msg.Encrypted)
	_, err = done.Key.Decrypt(idMsg.msg.Payload)
	require.NoError(t, err)

	deviceID := uuid.New()
	enc, err := done.Key.Encrypt(sliceops.Concat(deviceID[:], []byte("secret")))
	require.NoError(t, err)
	s.deliver(enc, true, companion.OperationEncryptionHandshake)
	assert.Equal(t, []uuid.UUID{deviceID}, rec.deviceIDs)
	assert.Equal(t, 1, rec.established)
}

func TestOobAssociationWrongCode(t *testing.T) {
	s := &fakeStream{}
	rec := &recorder{}
	carOob, phoneOob := oobPair(t)
	ch := securechannel.NewOobAssociationChannel(s, storage.NewMemory(), securechannel.DefaultRunnerFactory(false), carOob)
	ch.RegisterCallback(rec)

	runToVerification(t, s, handshake.NewClient())
	sentBefore := len(s.sent)

	reply, err := phoneOob.EncryptVerificationCode(make([]byte, 32))
	require.NoError(t, err)
	s.handshake(reply)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidVerification}, rec.failures)
	assert.Len(t, s.sent, sentBefore)
	assert.Zero(t, rec.established)
}

type reconnectFixture struct {
	store     *storage.Store
	stream    *fakeStream
	rec       *recorder
	ch        *securechannel.ReconnectChannel
	deviceID  uuid.UUID
	secret    []byte
	prevKey   []byte
	challenge []byte
}

func newReconnectFixture(t *testing.T, storeKey bool) *reconnectFixture {
	f := &reconnectFixture{
		store:    storage.NewMemory(),
		stream:   &fakeStream{},
		rec:      &recorder{},
		deviceID: uuid.New(),
		secret:   []byte("0123456789abcdef"),
		prevKey:  []byte("fedcba9876543210"),
	}
	require.NoError(t, f.store.SaveChallengeSecret(f.deviceID, f.secret))
	if storeKey {
		require.NoError(t, f.store.SaveEncryptionKey(f.deviceID, f.prevKey))
	}

	var err error
	f.challenge, err = f.store.HashWithChallengeSecret(f.deviceID, sliceops.PadRight([]byte("saltsalt"), 16))
	require.NoError(t, err)

	f.ch = securechannel.NewReconnectChannel(f.stream, f.store, securechannel.DefaultRunnerFactory(true), f.deviceID, f.challenge)
	f.ch.RegisterCallback(f.rec)
	return f
}

func TestReconnect(t *testing.T) {
	f := newReconnectFixture(t, true)
	s := f.stream

	deviceChallenge := []byte("phone-challenge!")
	s.handshake(sliceops.Concat(f.challenge, deviceChallenge))
	require.Empty(t, f.rec.failures)
	want, err := f.store.HashWithChallengeSecret(f.deviceID, deviceChallenge)
	require.NoError(t, err)
	assert.Equal(t, want, s.last(t).msg.Payload)

	client := handshake.NewClient()
	runToVerification(t, s, client)
	assert.Equal(t, handshake.ResumingSession, f.ch.State())
	assert.Len(t, s.sent, 2)

	auth, err := client.InitReconnectAuthentication(f.prevKey)
	require.NoError(t, err)
	s.handshake(auth)
	require.Empty(t, f.rec.failures)
	assert.Equal(t, 1, f.rec.established)

	done, err := client.AuthenticateReconnection(s.last(t).msg.Payload, f.prevKey)
	require.NoError(t, err)
	stored, err := f.store.EncryptionKey(f.deviceID)
	require.NoError(t, err)
	assert.Equal(t, done.Key.Bytes(), stored)
	assert.NotEqual(t, f.prevKey, stored)
	assert.Equal(t, f.deviceID, f.ch.DeviceID())
}

func TestReconnectWrongChallenge(t *testing.T) {
	f := newReconnectFixture(t, true)
	bad := sliceops.Clone(f.challenge)
	bad[0] ^= 0xff
	f.stream.handshake(sliceops.Concat(bad, []byte("phone-challenge!")))
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidHandshake}, f.rec.failures)
	assert.Empty(t, f.stream.sent)
}

func TestReconnectShortChallenge(t *testing.T) {
	f := newReconnectFixture(t, true)
	f.stream.handshake(f.challenge)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidHandshake}, f.rec.failures)
}

func TestReconnectWithoutStoredKey(t *testing.T) {
	f := newReconnectFixture(t, false)
	s := f.stream
	s.handshake(sliceops.Concat(f.challenge, []byte("phone-challenge!")))

	client := handshake.NewClient()
	runToVerification(t, s, client)
	auth, err := client.InitReconnectAuthentication(f.prevKey)
	require.NoError(t, err)
	s.handshake(auth)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidEncryptionKey}, f.rec.failures)
	assert.Zero(t, f.rec.established)
}

func TestReconnectWrongPreviousKey(t *testing.T) {
	f := newReconnectFixture(t, true)
	s := f.stream
	s.handshake(sliceops.Concat(f.challenge, []byte("phone-challenge!")))

	client := handshake.NewClient()
	runToVerification(t, s, client)
	auth, err := client.InitReconnectAuthentication([]byte("not the same key"))
	require.NoError(t, err)
	s.handshake(auth)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidHandshake}, f.rec.failures)
}

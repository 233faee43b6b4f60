package handshake

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAesCMAC(t *testing.T) {
	// RFC 4493 example 2
	key := []byte{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
	msg := []byte{0x6b, 0xc1, 0xbe, 0xe2, 0x2e, 0x40, 0x9f, 0x96, 0xe9, 0x3d, 0x7e, 0x11, 0x73, 0x93, 0x17, 0x2a}
	response := []byte{0x07, 0x0a, 0x16, 0xb4, 0x6b, 0x4d, 0x41, 0x44, 0xf7, 0x9b, 0xdd, 0x9d, 0xd0, 0x4a, 0x28, 0x7c}

	r, err := aesCMAC(key, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(r, response) {
		t.Fatal("Response didn't match")
	}
}

func associate(t *testing.T) (*Client, *Server, Message, Message) {
	t.Helper()
	c, s := NewClient(), NewServer()

	init, err := c.InitHandshake()
	require.NoError(t, err)
	resp, err := s.RespondToInitRequest(init.NextMessage)
	require.NoError(t, err)
	require.Equal(t, InProgress, resp.State)

	fin, err := c.ContinueHandshake(resp.NextMessage)
	require.NoError(t, err)
	srv, err := s.ContinueHandshake(fin.NextMessage)
	require.NoError(t, err)
	return c, s, fin, srv
}

func TestAssociation(t *testing.T) {
	c, s, fin, srv := associate(t)

	assert.Equal(t, VerificationNeeded, srv.State)
	assert.Len(t, srv.VerificationCode, 6)
	assert.Equal(t, fin.VerificationCode, srv.VerificationCode)
	assert.Equal(t, fin.FullVerificationCode, srv.FullVerificationCode)
	assert.Len(t, srv.FullVerificationCode, 32)

	sk, err := s.VerifyPin()
	require.NoError(t, err)
	require.Equal(t, Finished, sk.State)
	ck, err := c.VerifyPin()
	require.NoError(t, err)
	assert.Equal(t, sk.Key.Bytes(), ck.Key.Bytes())

	sealed, err := sk.Key.Encrypt([]byte("hello phone"))
	require.NoError(t, err)
	plain, err := ck.Key.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello phone"), plain)
}

func TestTamperedFinishRejected(t *testing.T) {
	c, s := NewClient(), NewServer()
	init, err := c.InitHandshake()
	require.NoError(t, err)
	resp, err := s.RespondToInitRequest(init.NextMessage)
	require.NoError(t, err)
	fin, err := c.ContinueHandshake(resp.NextMessage)
	require.NoError(t, err)

	fin.NextMessage[len(fin.NextMessage)-1] ^= 0xff
	_, err = s.ContinueHandshake(fin.NextMessage)
	assert.Equal(t, ErrMismatch, errors.Cause(err))
	assert.Equal(t, Invalid, s.State())
}

func TestMalformedInit(t *testing.T) {
	s := NewServer()
	_, err := s.RespondToInitRequest([]byte{1, 2, 3})
	assert.Equal(t, ErrMalformed, errors.Cause(err))
	assert.Equal(t, Invalid, s.State())
}

func TestStepsOutOfOrder(t *testing.T) {
	s := NewServer()
	_, err := s.ContinueHandshake([]byte{1})
	assert.Equal(t, ErrWrongState, errors.Cause(err))
	_, err = s.VerifyPin()
	assert.Equal(t, ErrWrongState, errors.Cause(err))
	_, err = s.AuthenticateReconnection(nil, nil)
	assert.Equal(t, ErrNotResuming, errors.Cause(err))
}

func TestInvalidPin(t *testing.T) {
	_, s, _, _ := associate(t)
	s.InvalidPin()
	_, err := s.VerifyPin()
	assert.Error(t, err)
	assert.Equal(t, Invalid, s.State())
}

func reconnect(t *testing.T, previous []byte, clientPrevious []byte) (*Client, *Server, []byte, error) {
	t.Helper()
	c, s := NewClient(), NewReconnectServer()
	init, err := c.InitHandshake()
	require.NoError(t, err)
	resp, err := s.RespondToInitRequest(init.NextMessage)
	require.NoError(t, err)
	fin, err := c.ContinueHandshake(resp.NextMessage)
	require.NoError(t, err)
	msg, err := s.ContinueHandshake(fin.NextMessage)
	require.NoError(t, err)
	require.Equal(t, ResumingSession, msg.State)

	auth, err := c.InitReconnectAuthentication(clientPrevious)
	require.NoError(t, err)
	out, err := s.AuthenticateReconnection(auth, previous)
	if err != nil {
		return c, s, nil, err
	}
	require.Equal(t, Finished, out.State)

	ck, err := c.AuthenticateReconnection(out.NextMessage, clientPrevious)
	require.NoError(t, err)
	assert.Equal(t, out.Key.Bytes(), ck.Key.Bytes())
	return c, s, out.Key.Bytes(), nil
}

func TestReconnect(t *testing.T) {
	prev := bytes.Repeat([]byte{0x42}, keySize)

	_, _, next, err := reconnect(t, prev, prev)
	require.NoError(t, err)
	assert.NotEqual(t, prev, next)
}

func TestReconnectWrongKey(t *testing.T) {
	prev := bytes.Repeat([]byte{0x42}, keySize)
	other := bytes.Repeat([]byte{0x24}, keySize)

	_, s, _, err := reconnect(t, prev, other)
	assert.Equal(t, ErrMismatch, errors.Cause(err))
	assert.Equal(t, Invalid, s.State())
}

func TestKeyRejectsTampering(t *testing.T) {
	k, err := KeyFromBytes(bytes.Repeat([]byte{1}, keySize))
	require.NoError(t, err)
	sealed, err := k.Encrypt([]byte("data"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 1
	_, err = k.Decrypt(sealed)
	assert.Equal(t, ErrDecrypt, errors.Cause(err))

	_, err = k.Decrypt([]byte{1, 2})
	assert.Equal(t, ErrDecrypt, errors.Cause(err))

	_, err = KeyFromBytes([]byte{1})
	assert.Error(t, err)
}

package sasldigest

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"hash"

	"github.com/mumuhhh/gosasl/sasl"
)

func generatePrivacyKeys(a1 string, cipher string) ([]byte, []byte) {
	sum := h(a1)
	var n int
	switch cipher {
	case "rc4-40":
		n = 5
	case "rc4-56":
		n = 7
	default:
		n = md5.Size
	}

	kcc := md5.Sum(append(sum[:n:n],
		[]byte("Digest H(A1) to client-to-server sealing key magic constant")...))
	kcs := md5.Sum(append(sum[:n:n],
		[]byte("Digest H(A1) to server-to-client sealing key magic constant")...))

	return kcc[:], kcs[:]
}

// DigestPrivacy is the auth-conf layer: RC4(msg, HMAC[0..9]), msgtype, seqnum.
type DigestPrivacy struct {
	sendSeqNum uint32
	readSeqNum uint32

	decodeMAC hash.Hash
	encodeMAC hash.Hash

	decryptor *rc4.Cipher
	encryptor *rc4.Cipher
}

func NewDigestPrivacy(sendIntKey, readIntKey, sendKey, readKey []byte) (*DigestPrivacy, error) {
	encryptor, err := rc4.NewCipher(sendKey)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMechanismError, "rc4: %v", err)
	}
	decryptor, err := rc4.NewCipher(readKey)
	if err != nil {
		return nil, sasl.Failf(sasl.CodeMechanismError, "rc4: %v", err)
	}

	return &DigestPrivacy{
		encryptor: encryptor,
		decryptor: decryptor,
		decodeMAC: hmac.New(md5.New, readIntKey),
		encodeMAC: hmac.New(md5.New, sendIntKey),
	}, nil
}

func (d *DigestPrivacy) Wrap(outgoing []byte) ([]byte, error) {
	inputLen := len(outgoing)
	if inputLen == 0 {
		return make([]byte, 0), nil
	}

	seqBuf := lenEncodeBytes(d.sendSeqNum)
	encryptedLen := inputLen + macHMACLen

	wrapped := make([]byte, encryptedLen+macMsgTypeLen+macSeqNumLen)
	copy(wrapped, outgoing)
	copy(wrapped[inputLen:], msgHMAC(d.encodeMAC, seqBuf, outgoing))
	d.encryptor.XORKeyStream(wrapped[:encryptedLen], wrapped[:encryptedLen])
	copy(wrapped[encryptedLen:], macMsgType[:])
	copy(wrapped[encryptedLen+macMsgTypeLen:], seqBuf[:])

	d.sendSeqNum++
	return wrapped, nil
}

func (d *DigestPrivacy) Unwrap(incoming []byte) ([]byte, error) {
	inputLen := len(incoming)
	if inputLen == 0 {
		return make([]byte, 0), nil
	}
	if inputLen < macTrailerLen {
		return nil, layerError("bad message length %d", inputLen)
	}

	seqNumStart := inputLen - macSeqNumLen
	msgTypeStart := seqNumStart - macMsgTypeLen

	seqBuf := lenEncodeBytes(d.readSeqNum)
	if !bytes.Equal(macMsgType[:], incoming[msgTypeStart:seqNumStart]) || !bytes.Equal(seqBuf[:], incoming[seqNumStart:]) {
		return nil, layerError("unexpected message type or sequence number")
	}

	// the key stream only advances on messages that passed the clear-text checks
	plain := make([]byte, msgTypeStart)
	d.decryptor.XORKeyStream(plain, incoming[:msgTypeStart])

	dataLen := msgTypeStart - macHMACLen
	expectedMac := msgHMAC(d.decodeMAC, seqBuf, plain[:dataLen])
	if !hmac.Equal(expectedMac, plain[dataLen:]) {
		return nil, layerError("HMAC check failed")
	}

	d.readSeqNum++
	return plain[:dataLen], nil
}

var _ SecurityCtx = (*DigestPrivacy)(nil)

package sasldigest

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"hash"
)

func generateIntegrityKeys(a1 string) ([]byte, []byte) {
	clientIntMagicStr := []byte("Digest session key to client-to-server signing key magic constant")
	serverIntMagicStr := []byte("Digest session key to server-to-client signing key magic constant")

	sum := h(a1)
	kic := md5.Sum(append(sum[:md5.Size:md5.Size], clientIntMagicStr...))
	kis := md5.Sum(append(sum[:md5.Size:md5.Size], serverIntMagicStr...))

	return kic[:], kis[:]
}

// DigestIntegrity is the auth-int layer: msg, HMAC[0..9], msgtype, seqnum.
type DigestIntegrity struct {
	sendSeqNum uint32
	readSeqNum uint32

	encodeMAC hash.Hash
	decodeMAC hash.Hash
}

func NewDigestIntegrity(sendKey, readKey []byte) *DigestIntegrity {
	return &DigestIntegrity{
		encodeMAC: hmac.New(md5.New, sendKey),
		decodeMAC: hmac.New(md5.New, readKey),
	}
}

func (d *DigestIntegrity) Wrap(outgoing []byte) ([]byte, error) {
	inputLen := len(outgoing)
	if inputLen == 0 {
		return make([]byte, 0), nil
	}

	seqBuf := lenEncodeBytes(d.sendSeqNum)
	wrapped := make([]byte, inputLen+macTrailerLen)
	copy(wrapped, outgoing)
	copy(wrapped[inputLen:], msgHMAC(d.encodeMAC, seqBuf, outgoing))
	copy(wrapped[inputLen+macHMACLen:], macMsgType[:])
	copy(wrapped[inputLen+macHMACLen+macMsgTypeLen:], seqBuf[:])

	d.sendSeqNum++
	return wrapped, nil
}

func (d *DigestIntegrity) Unwrap(incoming []byte) ([]byte, error) {
	inputLen := len(incoming)
	if inputLen == 0 {
		return make([]byte, 0), nil
	}
	if inputLen < macTrailerLen {
		return nil, layerError("message shorter than its MAC trailer (%d bytes)", inputLen)
	}

	seqBuf := lenEncodeBytes(d.readSeqNum)

	dataLen := inputLen - macTrailerLen
	expectedMac := msgHMAC(d.decodeMAC, seqBuf, incoming[:dataLen])

	seqNumStart := inputLen - macSeqNumLen
	msgTypeStart := seqNumStart - macMsgTypeLen
	origHashStart := msgTypeStart - macHMACLen

	if !hmac.Equal(expectedMac, incoming[origHashStart:msgTypeStart]) ||
		!bytes.Equal(macMsgType[:], incoming[msgTypeStart:seqNumStart]) ||
		!bytes.Equal(seqBuf[:], incoming[seqNumStart:]) {
		return nil, layerError("HMAC integrity check failed")
	}

	d.readSeqNum++

	out := make([]byte, dataLen)
	copy(out, incoming)
	return out, nil
}

var _ SecurityCtx = (*DigestIntegrity)(nil)

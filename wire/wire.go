package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

// MAX_MESSAGE_LENGTH bounds the attacker-controlled length prefix. The
// largest legitimate message is a block (9 + 16384 bytes); a bitfield for a
// million-piece torrent still fits well under this.
var MAX_MESSAGE_LENGTH int32 = 1 << 17

// ErrMessageLength rejects a frame whose length prefix is negative or
// implausibly large before any allocation happens.
var ErrMessageLength = errors.New("message length out of range")

// Wire frames and unframes peer protocol messages over one connection. The
// engine treats messages as structured values; byte layout lives here only.
type Wire interface {
	// Reading
	ReadHandshake() (uint8, string, []byte, []byte, error)
	ReadMessage() (int32, byte, []byte, error)

	// Writing
	SendHandshake(length uint8, protocol string, infohash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error
	SendPort(port int) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	Close()
}

type wire struct {
	conn            net.Conn
	timeoutDuration time.Duration

	mu              sync.Mutex
	lastMessageSent time.Time
}

func NewWire(conn net.Conn, timeoutDuration time.Duration) Wire {
	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

// 1 + 19 + 8 + 20 + 20
type handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

func (w *wire) GetLastMessageSent() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMessageSent
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) ReadHandshake() (uint8, string, []byte, []byte, error) {
	h := &handshake{}
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, 68)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return 0, "", nil, nil, err
	}
	if err := binary.Read(bytes.NewBuffer(data), binary.BigEndian, h); err != nil {
		return 0, "", nil, nil, err
	}
	return h.Len, string(h.Protocol[:]), h.InfoHash[:], h.PeerID[:], nil
}

func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return 0, 0, nil, err
	}
	if length == 0 {
		// keep-alive
		return 0, 0, nil, nil
	}
	if length < 0 || length > MAX_MESSAGE_LENGTH {
		return 0, 0, nil, fmt.Errorf("%w: %d", ErrMessageLength, length)
	}
	var id uint8
	if err := binary.Read(w.conn, binary.BigEndian, &id); err != nil {
		return 0, 0, nil, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return 0, 0, nil, err
	}
	return length, id, payload, nil
}

func (w *wire) SendHandshake(length uint8, protocol string, infohash []byte, peerID []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, length)
	binary.Write(b, binary.BigEndian, []byte(protocol))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infohash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error        { return w.sendShort(CHOKE) }
func (w *wire) SendUnchoke() error      { return w.sendShort(UNCHOKE) }
func (w *wire) SendInterested() error   { return w.sendShort(INTERESTED) }
func (w *wire) SendUnInterested() error { return w.sendShort(NOT_INTERESTED) }

func (w *wire) sendShort(id uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, id)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(REQUEST))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(CANCEL))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendPort(port int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(3))
	binary.Write(b, binary.BigEndian, uint8(PORT))
	binary.Write(b, binary.BigEndian, uint16(port))
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendMessage(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}

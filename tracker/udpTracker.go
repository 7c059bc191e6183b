package tracker

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
func (tr *tracker) queryUDPTracker(trackerURL string, event int) error {
	udpAddress := strings.TrimPrefix(trackerURL, "udp://")
	udpAddress = strings.TrimSuffix(udpAddress, "/announce")
	trackerAddr, err := net.ResolveUDPAddr("udp", udpAddress)
	if err != nil {
		return err
	}
	trackerConn, err := net.DialUDP("udp", nil, trackerAddr)
	if err != nil {
		return err
	}
	defer trackerConn.Close()

	connectionID, err := tr.connectUDP(trackerConn)
	if err != nil {
		return err
	}
	return tr.announceUDP(trackerConn, event, connectionID)
}

func (tr *tracker) connectUDP(trackerConn *net.UDPConn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	protocolID, _ := hex.DecodeString("0000041727101980") // magic constant
	binary.Write(connectRequest, binary.BigEndian, protocolID)
	binary.Write(connectRequest, binary.BigEndian, int32(0)) // connect
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	if _, err := trackerConn.Write(connectRequest.Bytes()); err != nil {
		return 0, err
	}

	trackerConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data := make([]byte, 16)
	if _, err := io.ReadFull(trackerConn, data); err != nil {
		return 0, err
	}
	connectResponse := bytes.NewBuffer(data)

	var actionResp int32
	binary.Read(connectResponse, binary.BigEndian, &actionResp)
	if actionResp != 0 {
		return 0, fmt.Errorf("connect response action %d", actionResp)
	}
	var transactionIDResp int32
	binary.Read(connectResponse, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return 0, fmt.Errorf("transaction id mismatch")
	}
	var connectionID int64
	binary.Read(connectResponse, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func (tr *tracker) announceUDP(trackerConn *net.UDPConn, event int, connectionID int64) error {
	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(1)) // announce
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, tr.manifest.InfoHash())
	binary.Write(announceRequest, binary.BigEndian, tr.peerID)
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	binary.Write(announceRequest, binary.BigEndian, downloaded)
	binary.Write(announceRequest, binary.BigEndian, left)
	binary.Write(announceRequest, binary.BigEndian, uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // ip: default
	binary.Write(announceRequest, binary.BigEndian, tr.key)
	binary.Write(announceRequest, binary.BigEndian, tr.numwant)
	binary.Write(announceRequest, binary.BigEndian, uint16(tr.port))

	if _, err := trackerConn.Write(announceRequest.Bytes()); err != nil {
		return err
	}

	trackerConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data := make([]byte, 4096)
	n, err := trackerConn.Read(data)
	if err != nil {
		return err
	}
	if n < 20 {
		return fmt.Errorf("malformed announce response body")
	}
	announceResponse := bytes.NewBuffer(data[:n])

	var actionResp int32
	binary.Read(announceResponse, binary.BigEndian, &actionResp)
	if actionResp != 1 {
		return fmt.Errorf("announce response action %d", actionResp)
	}
	var transactionIDResp int32
	binary.Read(announceResponse, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return fmt.Errorf("transaction id mismatch")
	}
	binary.Read(announceResponse, binary.BigEndian, &tr.announceResp.Interval)
	binary.Read(announceResponse, binary.BigEndian, &tr.announceResp.Leechers)
	binary.Read(announceResponse, binary.BigEndian, &tr.announceResp.Seeders)

	if event != STOPPED {
		tr.sink(parseCompactPeers(announceResponse.Bytes()))
	}
	return nil
}

package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) error {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return fmt.Errorf("tracker URL %q not absolute", trackerURL)
	}

	q := u.Query()
	q.Set("info_hash", string(tr.manifest.InfoHash()))
	q.Set("peer_id", string(tr.peerID))
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q.Set("uploaded", strconv.FormatInt(uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("key", strconv.Itoa(int(tr.key)))
	switch event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("port", strconv.Itoa(tr.port))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	resp, err := httpClient.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := bencode.Unmarshal(resp.Body, &tr.announceResp); err != nil {
		return err
	}
	if tr.announceResp.FailureReason != "" {
		return fmt.Errorf("tracker failure: %s", tr.announceResp.FailureReason)
	}

	if event != STOPPED {
		tr.sink(parseCompactPeers([]byte(tr.announceResp.Peers)))
	}
	return nil
}

// parseCompactPeers decodes the 6-bytes-per-peer compact format.
func parseCompactPeers(data []byte) []string {
	addrs := make([]string, 0, len(data)/6)
	for i := 0; i+6 <= len(data); i += 6 {
		ip := net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		addrs = append(addrs, fmt.Sprintf("%s:%d", ip, port))
	}
	return addrs
}

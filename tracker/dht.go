package tracker

import (
	"sync"
	"time"

	"github.com/nictuku/dht"
	"github.com/sirupsen/logrus"
)

// DHTSource is a session-wide mainline DHT node. Torrents register their
// info-hash and receive discovered peer addresses through their sink; a
// second, tracker-independent discovery path.
type DHTSource struct {
	node  *dht.DHT
	mu    sync.Mutex
	sinks map[string]Sink
	quit  chan struct{}
	log   *logrus.Entry
}

func NewDHTSource(port int) (*DHTSource, error) {
	cfg := dht.NewConfig()
	cfg.Port = port
	node, err := dht.New(cfg)
	if err != nil {
		return nil, err
	}
	return &DHTSource{
		node:  node,
		sinks: make(map[string]Sink),
		quit:  make(chan struct{}),
		log:   logrus.WithField("component", "dht"),
	}, nil
}

func (d *DHTSource) Start() error {
	if err := d.node.Start(); err != nil {
		return err
	}
	go d.drainResults()
	go func() {
		for {
			d.mu.Lock()
			hashes := make([]string, 0, len(d.sinks))
			for ih := range d.sinks {
				hashes = append(hashes, ih)
			}
			d.mu.Unlock()
			for _, ih := range hashes {
				d.node.PeersRequest(ih, false)
			}
			select {
			case <-d.quit:
				return
			case <-time.After(time.Minute):
			}
		}
	}()
	return nil
}

func (d *DHTSource) Stop() {
	close(d.quit)
	d.node.Stop()
}

func (d *DHTSource) Register(infoHash []byte, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[string(infoHash)] = sink
}

func (d *DHTSource) Unregister(infoHash []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, string(infoHash))
}

func (d *DHTSource) drainResults() {
	for r := range d.node.PeersRequestResults {
		for ih, peers := range r {
			d.mu.Lock()
			sink, ok := d.sinks[string(ih)]
			d.mu.Unlock()
			if !ok {
				continue
			}
			for _, raw := range peers {
				sink([]string{dht.DecodePeerAddress(raw)})
			}
		}
	}
}

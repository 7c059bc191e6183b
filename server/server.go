package server

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/peer"
	"github.com/shenmo7192/transmission/wire"
)

// Router resolves an inbound handshake's info-hash to the torrent's peer
// manager, if that torrent is active.
type Router func(infoHash []byte) (peer.Manager, bool)

type Server interface {
	Serve()
	GetServerPort() int
	Stop()
}

type server struct {
	port     int
	listener net.Listener
	quit     chan struct{}
	route    Router
	log      *logrus.Entry
}

var listen = net.Listen

// NewServer listens for inbound peer connections. port 0 picks an ephemeral
// port.
func NewServer(port int, route Router) (Server, error) {
	addr := ""
	if port != 0 {
		addr = fmt.Sprintf(":%d", port)
	}
	listener, err := listen("tcp4", addr)
	if err != nil {
		return nil, err
	}
	return &server{
		port:     listener.Addr().(*net.TCPAddr).Port,
		listener: listener,
		quit:     make(chan struct{}),
		route:    route,
		log:      logrus.WithField("component", "server"),
	}, nil
}

func (sv *server) Serve() {
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					sv.log.Info("peer listener stopped")
				default:
					sv.log.WithField("error", err.Error()).Warn("peer listener failed")
				}
				return
			}
			go sv.handle(conn)
		}
	}()
}

// handle consumes the remote handshake so the connection can be routed to
// its torrent; the peer session replies and takes over from there.
func (sv *server) handle(conn net.Conn) {
	w := wire.NewWire(conn, peer.PEER_TIMEOUT)
	length, protocol, infoHash, _, err := w.ReadHandshake()
	if err != nil || length != 19 || protocol != "BitTorrent protocol" {
		conn.Close()
		return
	}
	pm, ok := sv.route(infoHash)
	if !ok {
		conn.Close()
		return
	}
	pm.AddIncomingPeer(conn.RemoteAddr().String(), w)
}

func (sv *server) GetServerPort() int {
	return sv.port
}

func (sv *server) Stop() {
	close(sv.quit)
	sv.listener.Close()
}

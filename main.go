package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/session"
)

func main() {
	var (
		downloadDir = flag.String("download-dir", ".", "directory to store downloaded data")
		stateDir    = flag.String("state-dir", "", "directory for resume files (empty disables persistence)")
		port        = flag.Int("port", 6881, "TCP listen port for incoming peers (0 for ephemeral)")
		enableDHT   = flag.Bool("dht", true, "announce to the mainline DHT")
		maxPeers    = flag.Int("max-peers", 60, "peer connection limit per torrent")
		maxTotal    = flag.Int("max-peers-total", 240, "peer connection limit across all torrents")
		upRate      = flag.Int("up-rate", 0, "upload cap in bytes/sec (0 = unlimited)")
		downRate    = flag.Int("down-rate", 0, "download cap in bytes/sec (0 = unlimited)")
		sequential  = flag.Bool("sequential", false, "download pieces in order instead of rarest-first")
		verbose     = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	s, err := session.NewSession(session.Config{
		DownloadDir:        *downloadDir,
		StateDir:           *stateDir,
		Port:               *port,
		EnableDHT:          *enableDHT,
		MaxPeersPerTorrent: *maxPeers,
		MaxPeersTotal:      *maxTotal,
		UpRate:             *upRate,
		DownRate:           *downRate,
		AltSpeed:           bandwidth.Schedule{},
		Sequential:         *sequential,
	})
	if err != nil {
		log.WithField("error", err.Error()).Fatal("could not start session")
	}

	for _, torrentFile := range flag.Args() {
		status, err := s.AddTorrent(session.AddTorrentRequest{Path: torrentFile})
		if err != nil {
			log.WithFields(logrus.Fields{
				"file":  torrentFile,
				"error": err.Error(),
			}).Error("could not add torrent")
			continue
		}
		log.WithFields(logrus.Fields{
			"id":   status.ID,
			"name": status.Name,
		}).Info("added")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-report.C:
			for _, st := range s.ListTorrents() {
				log.WithFields(logrus.Fields{
					"id":    st.ID,
					"name":  st.Name,
					"state": st.State,
					"done":  st.PercentDone,
					"peers": st.Peers,
					"down":  st.DownloadRate,
					"up":    st.UploadRate,
				}).Info("status")
			}
		case <-sigs:
			log.Info("shutting down")
			s.Close()
			return
		}
	}
}

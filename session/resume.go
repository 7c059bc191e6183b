package session

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/marksamman/bencode"
	"github.com/spf13/afero"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/piece"
)

// stateFS backs the resume directory, swapped for a memory fs in tests.
var stateFS = afero.NewOsFs()

// resumeState is the saved per-torrent snapshot. Verified pieces are kept
// as a bitfield so a restart skips the full re-hash.
type resumeState struct {
	bitfield   []byte
	numPieces  int
	uploaded   int64
	downloaded int64
	dir        string
	sequential bool
	priorities []piece.Priority
	upRate     int
	downRate   int
	paused     bool
}

func (r *resumeState) applyTo(t *Torrent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bf, err := bitfield.FromWire(r.bitfield, r.numPieces); err == nil && r.numPieces == t.manifest.NumPieces() {
		t.resumeBitfield = bf
	}
	t.uploaded = r.uploaded
	t.downloaded = r.downloaded
	if len(r.priorities) == len(t.manifest.Files()) {
		t.priorities = r.priorities
	}
	if r.upRate != bandwidth.Unlimited {
		t.up.SetRate(r.upRate)
	}
	if r.downRate != bandwidth.Unlimited {
		t.down.SetRate(r.downRate)
	}
}

func (s *Session) resumePath(infoHash []byte) string {
	return path.Join(s.cfg.StateDir, hex.EncodeToString(infoHash)+".resume")
}

func (s *Session) torrentPath(infoHash []byte) string {
	return path.Join(s.cfg.StateDir, hex.EncodeToString(infoHash)+".torrent")
}

// archiveTorrentFile keeps a copy of the metainfo so the torrent can be
// restored after a restart without the original file.
func (s *Session) archiveTorrentFile(m *manifest.Manifest, raw []byte) {
	if s.cfg.StateDir == "" {
		return
	}
	if err := stateFS.MkdirAll(s.cfg.StateDir, 0755); err != nil {
		s.log.WithField("error", err.Error()).Warn("could not create state dir")
		return
	}
	if err := afero.WriteFile(stateFS, s.torrentPath(m.InfoHash()), raw, 0644); err != nil {
		s.log.WithField("error", err.Error()).Warn("could not archive torrent file")
	}
}

func (s *Session) saveResumeFile(t *Torrent) {
	if s.cfg.StateDir == "" {
		return
	}
	bf := t.bitfieldSnapshot()

	t.mu.RLock()
	dict := map[string]interface{}{
		"uploaded":     t.uploaded,
		"downloaded":   t.downloaded,
		"download-dir": t.dir,
		"num-pieces":   int64(t.manifest.NumPieces()),
		"paused":       boolToInt(t.state == Stopped || t.state == Errored),
		"sequential":   boolToInt(t.policy == piece.Sequential),
		"up-rate":      int64(t.up.Rate()),
		"down-rate":    int64(t.down.Rate()),
	}
	if bf != nil {
		dict["bitfield"] = string(bf.ToWire())
	}
	if t.priorities != nil {
		prios := make([]interface{}, len(t.priorities))
		for i, p := range t.priorities {
			prios[i] = int64(p)
		}
		dict["priorities"] = prios
	}
	infoHash := t.manifest.InfoHash()
	t.mu.RUnlock()

	if err := stateFS.MkdirAll(s.cfg.StateDir, 0755); err != nil {
		s.log.WithField("error", err.Error()).Warn("could not create state dir")
		return
	}
	if err := afero.WriteFile(stateFS, s.resumePath(infoHash), bencode.Encode(dict), 0644); err != nil {
		s.log.WithField("error", err.Error()).Warn("could not write resume file")
	}
}

func (s *Session) deleteResumeFile(t *Torrent) {
	if s.cfg.StateDir == "" {
		return
	}
	stateFS.Remove(s.resumePath(t.manifest.InfoHash()))
	stateFS.Remove(s.torrentPath(t.manifest.InfoHash()))
}

// loadResumeFiles restores every torrent saved under the state dir.
func (s *Session) loadResumeFiles() error {
	if s.cfg.StateDir == "" {
		return nil
	}
	infos, err := afero.ReadDir(stateFS, s.cfg.StateDir)
	if err != nil {
		if exists, _ := afero.DirExists(stateFS, s.cfg.StateDir); !exists {
			return nil
		}
		return err
	}
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".resume") {
			continue
		}
		if err := s.restoreTorrent(path.Join(s.cfg.StateDir, info.Name())); err != nil {
			s.log.WithFields(map[string]interface{}{
				"file":  info.Name(),
				"error": err.Error(),
			}).Warn("could not restore torrent")
		}
	}
	return nil
}

func (s *Session) restoreTorrent(resumeFile string) error {
	data, err := afero.ReadFile(stateFS, resumeFile)
	if err != nil {
		return err
	}
	decoded, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("malformed resume file: %w", err)
	}
	dict, ok := interface{}(decoded).(map[string]interface{})
	if !ok {
		return fmt.Errorf("malformed resume file: not a dictionary")
	}

	r := &resumeState{
		bitfield:   []byte(dictString(dict, "bitfield")),
		numPieces:  int(dictInt(dict, "num-pieces")),
		uploaded:   dictInt(dict, "uploaded"),
		downloaded: dictInt(dict, "downloaded"),
		dir:        dictString(dict, "download-dir"),
		sequential: dictInt(dict, "sequential") != 0,
		upRate:     int(dictInt(dict, "up-rate")),
		downRate:   int(dictInt(dict, "down-rate")),
		paused:     dictInt(dict, "paused") != 0,
	}
	if list, ok := dict["priorities"].([]interface{}); ok {
		for _, v := range list {
			if n, ok := v.(int64); ok {
				r.priorities = append(r.priorities, piece.Priority(n))
			}
		}
	}

	torrentFile := strings.TrimSuffix(resumeFile, ".resume") + ".torrent"
	raw, err := afero.ReadFile(stateFS, torrentFile)
	if err != nil {
		return fmt.Errorf("missing archived torrent: %w", err)
	}
	m, err := manifest.FromBencode(bytes.NewReader(raw))
	if err != nil {
		return err
	}

	_, err = s.addManifest(m, raw, AddTorrentRequest{
		DownloadDir: r.dir,
		Paused:      r.paused,
		Sequential:  r.sequential,
	}, r)
	return err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func dictString(dict map[string]interface{}, key string) string {
	v, _ := dict[key].(string)
	return v
}

func dictInt(dict map[string]interface{}, key string) int64 {
	v, _ := dict[key].(int64)
	return v
}

package voice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

// Archive optionally saves accepted capture segments as WAV files with a
// JSON sidecar, for offline inspection of what the bot heard. All writes
// are best-effort and atomic; a nil Archive is a no-op.
type Archive struct {
	Dir string
}

// NewArchiveFromEnv reads SAVE_AUDIO_ENABLED and SAVE_AUDIO_DIR. Returns nil
// when archiving is disabled.
func NewArchiveFromEnv() *Archive {
	if strings.ToLower(strings.TrimSpace(os.Getenv("SAVE_AUDIO_ENABLED"))) != "true" {
		return nil
	}
	dir := strings.TrimSpace(os.Getenv("SAVE_AUDIO_DIR"))
	if dir == "" {
		return nil
	}
	return &Archive{Dir: strings.TrimRight(dir, "/")}
}

func (a *Archive) basePath(seg Segment) string {
	ts := seg.CreatedAt.UTC().Format("20060102T150405.000Z")
	return fmt.Sprintf("%s/%s_cid%s", a.Dir, ts, seg.CorrelationID)
}

// SaveSegment writes the segment WAV and its sidecar JSON.
func (a *Archive) SaveSegment(seg Segment) {
	if a == nil || a.Dir == "" {
		return
	}
	base := a.basePath(seg)
	channels := seg.SampleWidth / 2
	if channels < 1 {
		channels = 1
	}
	wav := buildWAV(seg.PCM, seg.SampleRate, channels, 16)
	if err := saveFileAtomic(base+".wav", wav, 0o644); err != nil {
		logging.Warnw("archive: failed to save wav", "path", base+".wav", "err", err, "correlation_id", seg.CorrelationID)
		return
	}
	sc := map[string]interface{}{
		"correlation_id": seg.CorrelationID,
		"created_utc":    seg.CreatedAt.UTC().Format(time.RFC3339Nano),
		"sample_rate":    seg.SampleRate,
		"sample_width":   seg.SampleWidth,
		"pcm_bytes":      len(seg.PCM),
		"duration_ms":    int(seg.Duration().Milliseconds()),
		"wav_path":       base + ".wav",
	}
	b, _ := json.MarshalIndent(sc, "", "  ")
	if err := saveFileAtomic(base+".json", b, 0o644); err != nil {
		logging.Warnw("archive: failed to save sidecar", "path", base+".json", "err", err, "correlation_id", seg.CorrelationID)
		return
	}
	logging.Debugw("archive: segment saved", "path", base+".wav", "correlation_id", seg.CorrelationID)
}

// RecordOutcome merges the transcription outcome into the segment's sidecar.
func (a *Archive) RecordOutcome(correlationID string, res Result) {
	if a == nil || a.Dir == "" || correlationID == "" {
		return
	}
	path := a.findSidecar(correlationID)
	if path == "" {
		logging.Debugw("archive: sidecar not found", "correlation_id", correlationID)
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		logging.Warnw("archive: failed to read sidecar", "path", path, "err", err)
		return
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		logging.Warnw("archive: invalid sidecar JSON", "path", path, "err", err)
		return
	}
	sc["stt_kind"] = res.Kind.String()
	sc["stt_received_utc"] = time.Now().UTC().Format(time.RFC3339Nano)
	if res.Text != "" {
		sc["transcript"] = res.Text
	}
	nb, _ := json.MarshalIndent(sc, "", "  ")
	if err := saveFileAtomic(path, nb, 0o644); err != nil {
		logging.Warnw("archive: failed to update sidecar", "path", path, "err", err)
	}
}

// saveFileAtomic writes data to a tmp file in the target directory, syncs
// and renames it into place so readers never observe partial files.
func saveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// findSidecar locates the sidecar JSON whose filename carries the
// correlation id.
func (a *Archive) findSidecar(correlationID string) string {
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Warnw("archive: failed to list dir", "dir", a.Dir, "err", err)
		return ""
	}
	needle := "cid" + correlationID
	for _, fi := range files {
		name := fi.Name()
		if strings.Contains(name, needle) && strings.HasSuffix(name, ".json") {
			return a.Dir + "/" + name
		}
	}
	return ""
}

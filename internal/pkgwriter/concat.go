package pkgwriter

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// ConcatMP4 joins segPaths into one MP4 at outPath. It first tries a
// fast stream-copy concat; if that fails (mismatched codec parameters
// across segments, a common symptom when a segment encoder restarted),
// it retries with a full re-encode. Missing segment files are filtered
// out rather than failing the whole clip, since one evicted segment
// shouldn't sink an otherwise-good event package.
func ConcatMP4(outPath string, segPaths []string, logger *slog.Logger) bool {
	existing := dedupeExisting(segPaths)
	if len(existing) < 2 {
		if len(segPaths) > len(existing) {
			logger.Warn("not enough segments for clip", "missing", len(segPaths)-len(existing), "existing", len(existing))
		}
		return false
	}

	listPath := outPath + ".txt"
	if err := writeConcatList(listPath, existing); err != nil {
		logger.Error("failed to write concat list", "error", err)
		return false
	}
	defer os.Remove(listPath)

	if runFFmpegConcat(listPath, outPath, false, logger) {
		return true
	}

	logger.Warn("concat stream-copy failed, retrying with re-encode")
	if runFFmpegConcat(listPath, outPath, true, logger) {
		return true
	}

	logger.Error("concat re-encode also failed")
	return false
}

func dedupeExisting(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if Exists(p) {
			out = append(out, p)
		}
	}
	return out
}

func writeConcatList(listPath string, paths []string) error {
	f, err := os.Create(listPath)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if _, err := fmt.Fprintf(f, "file '%s'\n", abs); err != nil {
			return err
		}
	}
	return nil
}

func runFFmpegConcat(listPath, outPath string, reencode bool, logger *slog.Logger) bool {
	var args []string
	if reencode {
		args = []string{
			"-y", "-f", "concat", "-safe", "0", "-i", listPath,
			"-fflags", "+genpts",
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "28",
			"-pix_fmt", "yuv420p", "-movflags", "+faststart",
			outPath,
		}
	} else {
		args = []string{
			"-y", "-f", "concat", "-safe", "0", "-i", listPath,
			"-fflags", "+genpts",
			"-c", "copy",
			outPath,
		}
	}

	cmd := exec.Command("ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Debug("ffmpeg concat attempt failed", "reencode", reencode, "output", string(output))
		return false
	}
	return true
}

// browserReadyArgs re-encodes a clip to H.264 + faststart so every
// browser can play it back directly, matching the original node's
// h264_postprocess.make_browser_ready step.
var browserReadyArgs = []string{
	"-c:v", "libx264",
	"-pix_fmt", "yuv420p",
	"-preset", "veryfast",
	"-crf", "23",
	"-movflags", "+faststart",
	"-an",
}

// MakeBrowserReady re-encodes mp4Path in place to H.264 + faststart.
// Best-effort: on failure the original file is left untouched.
func MakeBrowserReady(mp4Path string, logger *slog.Logger) bool {
	if !Exists(mp4Path) {
		logger.Warn("clip not found, skipping browser re-encode", "path", mp4Path)
		return false
	}

	tmpPath := mp4Path + ".h264.tmp.mp4"
	args := append([]string{"-y", "-i", mp4Path}, browserReadyArgs...)
	args = append(args, tmpPath)

	cmd := exec.Command("ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		logger.Error("browser-ready re-encode failed", "error", err, "output", string(output))
		os.Remove(tmpPath)
		return false
	}

	if err := os.Rename(tmpPath, mp4Path); err != nil {
		logger.Error("failed to replace clip with re-encoded version", "error", err)
		os.Remove(tmpPath)
		return false
	}
	return true
}

package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Stitch losslessly concatenates segment files into one MP4 so a batch can
// be submitted as a single video. Inputs share a codec and resolution by
// construction, so stream copy is safe.
func Stitch(ctx context.Context, binary string, segments []string, out string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to stitch")
	}
	if binary == "" {
		binary = "ffmpeg"
	}

	list, err := os.CreateTemp(filepath.Dir(out), "concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(seg, "'", `'\''`))
	}
	if _, err := list.WriteString(b.String()); err != nil {
		list.Close()
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binary,
		"-f", "concat", "-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		"-y", out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat failed: %w: %s", err, tail(string(output), 400))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

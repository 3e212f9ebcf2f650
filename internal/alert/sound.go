package alert

import (
	"log"
	"os/exec"
	"strings"

	"areawatch/internal/pipeline"
)

// CommandSounder plays the alert sound by spawning a system audio
// player. Playback is fire-and-forget; failures are logged and never
// reach the worker.
type CommandSounder struct {
	logger *log.Logger
	player string
	file   string
}

var _ pipeline.Sounder = (*CommandSounder)(nil)

// NewCommandSounder locates an available audio player for soundFile.
// Returns nil when no player is installed; callers treat a nil sounder
// as silent operation.
func NewCommandSounder(logger *log.Logger, soundFile string) *CommandSounder {
	for _, candidate := range []string{"paplay", "aplay", "ffplay"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return &CommandSounder{logger: logger, player: path, file: soundFile}
		}
	}
	logger.Printf("[Alert] No audio player found, alerts will be silent")
	return nil
}

// Play starts playback and returns immediately.
func (s *CommandSounder) Play() {
	go func() {
		args := []string{s.file}
		if strings.HasSuffix(s.player, "ffplay") {
			args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet", s.file}
		}
		if err := exec.Command(s.player, args...).Run(); err != nil {
			s.logger.Printf("[Alert] Sound playback failed: %v", err)
		}
	}()
}

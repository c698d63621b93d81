// Package audio captures microphone PCM and plays PCM back through whatever
// command-line audio tools the host has installed.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

var (
	ErrNoRecorder = errors.New("audio: no microphone recorder found (install ffmpeg or alsa-utils)")
	ErrNoPlayer   = errors.New("audio: no pcm player found (install sox, ffmpeg or alsa-utils)")
)

// Format describes signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = 16000
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// LookPathFunc resolves an executable name, as exec.LookPath does.
type LookPathFunc func(file string) (string, error)

// RecorderCommand picks the microphone command for goos.
func RecorderCommand(goos string, lookPath LookPathFunc, format Format) (string, []string, error) {
	format = format.withDefaults()
	rate := strconv.Itoa(format.SampleRate)
	ch := strconv.Itoa(format.Channels)
	if _, err := lookPath("ffmpeg"); err == nil {
		var input []string
		switch goos {
		case "darwin":
			input = []string{"-f", "avfoundation", "-i", ":0"}
		case "linux":
			input = []string{"-f", "pulse", "-i", "default"}
		default:
			return "", nil, fmt.Errorf("audio: microphone capture is not implemented for %s", goos)
		}
		args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
		args = append(args, "-ac", ch, "-ar", rate, "-f", "s16le", "-")
		return "ffmpeg", args, nil
	}
	if goos == "linux" {
		if _, err := lookPath("arecord"); err == nil {
			return "arecord", []string{"-q", "-f", "S16_LE", "-r", rate, "-c", ch, "-t", "raw"}, nil
		}
	}
	return "", nil, ErrNoRecorder
}

// PlayerCommand picks the first available pcm player.
func PlayerCommand(lookPath LookPathFunc, format Format) (string, []string, error) {
	format = format.withDefaults()
	rate := strconv.Itoa(format.SampleRate)
	ch := strconv.Itoa(format.Channels)
	candidates := []struct {
		name string
		args []string
	}{
		{"play", []string{"-q", "-t", "raw", "-r", rate, "-e", "signed", "-b", "16", "-c", ch, "-"}},
		{"ffplay", []string{"-nodisp", "-autoexit", "-loglevel", "error", "-f", "s16le", "-ar", rate, "-ac", ch, "-i", "pipe:0"}},
		{"aplay", []string{"-q", "-f", "S16_LE", "-r", rate, "-c", ch, "-t", "raw"}},
	}
	for _, c := range candidates {
		if _, err := lookPath(c.name); err == nil {
			return c.name, c.args, nil
		}
	}
	return "", nil, ErrNoPlayer
}

// RecorderAvailable reports whether this host can capture from a microphone.
func RecorderAvailable() bool {
	_, _, err := RecorderCommand(runtime.GOOS, exec.LookPath, Format{})
	return err == nil
}

// Capture streams raw microphone PCM until closed.
type Capture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

// OpenMicrophone starts the recorder. Cancelling ctx kills it.
func OpenMicrophone(ctx context.Context, format Format) (*Capture, error) {
	name, args, err := RecorderCommand(runtime.GOOS, exec.LookPath, format)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open %s stdout: %w", name, err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &Capture{cmd: cmd, stdout: stdout}, nil
}

func (c *Capture) Read(p []byte) (int, error) {
	if c == nil || c.stdout == nil {
		return 0, io.EOF
	}
	return c.stdout.Read(p)
}

func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
	})
	return nil
}

// Player plays one utterance of raw PCM written to it.
type Player struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
	err   error
}

// StartPlayer launches the player process. Cancelling ctx kills it.
func StartPlayer(ctx context.Context, format Format) (*Player, error) {
	name, args, err := PlayerCommand(exec.LookPath, format)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open %s stdin: %w", name, err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	p := &Player{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Player) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(data)
}

// Finish signals the end of the audio; the process exits once it has played everything.
func (p *Player) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Done is closed when the player process exits.
func (p *Player) Done() <-chan struct{} { return p.done }

// Err returns the process exit error once Done is closed.
func (p *Player) Err() error {
	<-p.done
	return p.err
}

// Kill stops playback immediately.
func (p *Player) Kill() {
	_ = p.Finish()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/parla/pkg/frames"
)

func lookPathWith(available ...string) func(string) (string, error) {
	return func(file string) (string, error) {
		for _, a := range available {
			if a == file {
				return "/usr/bin/" + file, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestResolve(t *testing.T) {
	name, args, err := Resolve(lookPathWith("say", "espeak"), "Samantha", 180)
	if err != nil || name != "say" || len(args) != 4 || args[1] != "Samantha" || args[3] != "180" {
		t.Fatalf("unexpected say resolution %s %v %v", name, args, err)
	}
	name, args, err = Resolve(lookPathWith("espeak-ng"), "en-us", 160)
	if err != nil || name != "espeak-ng" || args[2] != "-s" {
		t.Fatalf("unexpected espeak-ng resolution %s %v %v", name, args, err)
	}
	if _, _, err := Resolve(lookPathWith(), "", 0); !errors.Is(err, ErrNoSynthesizer) {
		t.Fatalf("expected ErrNoSynthesizer, got %v", err)
	}
}

func nextEnd(t *testing.T, s *SpeechOutput) frames.ControlFrame {
	t.Helper()
	select {
	case f := <-s.Results():
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlUtteranceEnd {
			t.Fatalf("expected utterance end, got %+v", f)
		}
		return cf
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for utterance end")
		return frames.ControlFrame{}
	}
}

func TestSpeakCompletes(t *testing.T) {
	s, err := New(Config{Command: []string{"sh", "-c", "exit 0", "parla"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Speak(context.Background(), "Hello"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	cf := nextEnd(t, s)
	if cf.Meta()[frames.MetaCancelled] == "true" {
		t.Fatalf("natural end must not be cancelled")
	}
	if s.Speaking() {
		t.Fatalf("expected speaking to end")
	}
}

func TestCancelKillsProgram(t *testing.T) {
	s, err := New(Config{Command: []string{"sh", "-c", "sleep 5", "parla"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Speak(context.Background(), "A long reply"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !s.Speaking() {
		t.Fatalf("expected speaking")
	}
	_ = s.Cancel()
	if cf := nextEnd(t, s); cf.Meta()[frames.MetaCancelled] != "true" {
		t.Fatalf("expected cancelled end")
	}
	if s.Speaking() {
		t.Fatalf("expected speaking to end after cancel")
	}
}

func TestSpeakEmptyIsNoop(t *testing.T) {
	s, err := New(Config{Command: []string{"true"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Speak(context.Background(), ""); err != nil || s.Speaking() {
		t.Fatalf("empty speak must be a no-op")
	}
}

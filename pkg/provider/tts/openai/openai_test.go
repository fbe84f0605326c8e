package openai

import (
	"testing"

	"github.com/voxatc/voxatc/pkg/provider/tts"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini-tts"); err == nil {
		t.Error("expected error for empty API key")
	}

	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model: got %q, want default %q", p.model, defaultModel)
	}
}

func TestOutputFormat(t *testing.T) {
	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := p.OutputFormat()
	if f.SampleRate != 24000 || f.Channels != 1 {
		t.Errorf("got %dHz %dch, want 24000Hz mono", f.SampleRate, f.Channels)
	}
}

func TestVoiceName(t *testing.T) {
	if got := voiceName(tts.VoiceProfile{}); got != defaultVoice {
		t.Errorf("empty profile: got %q, want %q", got, defaultVoice)
	}
	if got := voiceName(tts.VoiceProfile{Name: "Puck"}); got != "Puck" {
		t.Errorf("named profile: got %q", got)
	}
}

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"VIDCLIP_PROMPT", "VIDCLIP_CLASSES", "VIDCLIP_TEXT_MODEL"} {
		t.Setenv(k, "")
	}
	cfg := loadConfig()
	if cfg.Prompt != "" {
		t.Errorf("default prompt = %q, want bare class names", cfg.Prompt)
	}
	if cfg.TextModel != "hash" {
		t.Errorf("default text model = %q", cfg.TextModel)
	}
	if want := []string{"dribble", "pass", "shoot", "tackle", "header"}; !cmp.Equal(cfg.Classes, want) {
		t.Errorf("default classes = %v", cfg.Classes)
	}
}

func TestLoadConfigPromptOptIn(t *testing.T) {
	t.Setenv("VIDCLIP_PROMPT", "a video of %s")
	t.Setenv("VIDCLIP_CLASSES", "run,jump")
	cfg := loadConfig()
	if cfg.Prompt != "a video of %s" {
		t.Errorf("prompt = %q", cfg.Prompt)
	}
	if !cmp.Equal(cfg.Classes, []string{"run", "jump"}) {
		t.Errorf("classes = %v", cfg.Classes)
	}
}

package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(``))
	if err != nil {
		t.Fatalf("Parse(empty) returned error: %v", err)
	}
	if cfg.Discovery.CommandPrefix != "spawner" {
		t.Errorf("CommandPrefix = %q, want %q", cfg.Discovery.CommandPrefix, "spawner")
	}
	if cfg.Inspector.HideConfidence != 95 {
		t.Errorf("HideConfidence = %d, want 95", cfg.Inspector.HideConfidence)
	}
	if cfg.Inspector.MaxPollAttempts != 300000 {
		t.Errorf("MaxPollAttempts = %d, want 300000", cfg.Inspector.MaxPollAttempts)
	}
	if len(cfg.Inspector.ExcludedCommands) != 2 {
		t.Errorf("ExcludedCommands = %v, want 2 entries", cfg.Inspector.ExcludedCommands)
	}
}

func TestParseOverrides(t *testing.T) {
	yamlDoc := `
discovery:
  command_prefix: zygote
watch:
  package_db_dir: /data/system
  package_db_file: packages.xml
inspector:
  hide_confidence: 80
logging:
  level: debug
`
	cfg, err := Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Discovery.CommandPrefix != "zygote" {
		t.Errorf("CommandPrefix = %q, want zygote", cfg.Discovery.CommandPrefix)
	}
	if cfg.Inspector.HideConfidence != 80 {
		t.Errorf("HideConfidence = %d, want 80", cfg.Inspector.HideConfidence)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("bogus_field: 1\n")); err == nil {
		t.Fatal("expected an error for an unrecognised top-level key")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Inspector: InspectorConfig{HideConfidence: 500},
	}
	errs := Validate(cfg)
	if len(errs) < 3 {
		t.Fatalf("Validate returned %d errors, want several (command_prefix, rescan_interval, package_db_dir, ...): %v", len(errs), errs)
	}
}

package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"空はserve", []string{}, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のコマンドはserve", []string{"unknown"}, CommandServe},
		{"余分な引数は無視", []string{"worker", "extra"}, CommandWorker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseArgs_ConfigFlag(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCmd    Command
		wantConfig string
	}{
		{"フラグなし", []string{"worker"}, CommandWorker, ""},
		{"後置フラグ", []string{"worker", "--config", "/etc/rideboard.yaml"}, CommandWorker, "/etc/rideboard.yaml"},
		{"前置フラグ", []string{"--config=/tmp/c.yaml", "migrate"}, CommandMigrate, "/tmp/c.yaml"},
		{"短縮フラグ", []string{"-c", "c.yaml"}, CommandServe, "c.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseArgs(tt.args)
			if err != nil {
				t.Fatalf("ParseArgs(%v) error = %v", tt.args, err)
			}
			if opts.Command != tt.wantCmd {
				t.Errorf("Command = %q, want %q", opts.Command, tt.wantCmd)
			}
			if opts.ConfigPath != tt.wantConfig {
				t.Errorf("ConfigPath = %q, want %q", opts.ConfigPath, tt.wantConfig)
			}
		})
	}
}

func TestParseArgs_PortFlag(t *testing.T) {
	opts, err := ParseArgs([]string{"healthcheck", "--port", "9090"})
	if err != nil {
		t.Fatalf("ParseArgs error = %v", err)
	}
	if opts.Command != CommandHealthcheck || opts.Port != "9090" {
		t.Errorf("opts = %+v, want healthcheck on 9090", opts)
	}
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	if _, err := ParseArgs([]string{"serve", "--nope"}); err == nil {
		t.Fatal("未知のフラグはエラーになるべき")
	}
}

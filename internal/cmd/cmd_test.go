package cmd

import (
	"testing"

	"github.com/spf13/viper"
)

func TestRootCommand_HasServeSubcommand(t *testing.T) {
	for _, c := range rootCmd.Commands() {
		if c.Name() == "serve" {
			return
		}
	}
	t.Fatal("root command has no serve subcommand")
}

func TestInitConfig_RegistersDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	initConfig()

	if got := viper.GetString("server.addr"); got != ":8080" {
		t.Errorf("server.addr = %q, want :8080", got)
	}
	if got := viper.GetString("session.command"); got != "claude" {
		t.Errorf("session.command = %q, want claude", got)
	}
	if got := viper.GetInt("relay.queue_depth"); got != 256 {
		t.Errorf("relay.queue_depth = %d, want 256", got)
	}
}

package commands

import (
	"bytes"
	"testing"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()

	want := []string{"serve", "reindex", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command is missing subcommand %q", name)
		}
	}
}

func TestRootConfigFlag(t *testing.T) {
	root := newRootCommand()

	flag := root.PersistentFlags().Lookup("config")
	if flag == nil {
		t.Fatal("root command is missing the --config flag")
	}
	if flag.Shorthand != "c" {
		t.Errorf("--config shorthand = %q, want %q", flag.Shorthand, "c")
	}
}

func TestRootRejectsUnknownCommand(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"frobnicate"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	if err := root.Execute(); err == nil {
		t.Error("expected an error for an unknown subcommand")
	}
}

package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "boundless"}
	squeeze := &cobra.Command{Use: "squeeze", Short: "consolidate balances"}
	run := &cobra.Command{Use: "run", Short: "execute", Annotations: map[string]string{ExecutesAnnotation: "true"}}
	run.Flags().String("to-chain", "", "destination chain")
	_ = run.MarkFlagRequired("to-chain")
	run.Flags().Bool("yes", false, "confirm")
	plan := &cobra.Command{Use: "plan", Short: "preview"}
	squeeze.AddCommand(run, plan)
	root.AddCommand(squeeze)

	s, err := Build(root, "squeeze run")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "boundless squeeze run" || !s.Executes {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "to-chain" || !s.Flags[0].Required || s.Flags[1].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}

	parent, err := Build(root, "squeeze")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(parent.Subcommands) != 2 || parent.Subcommands[0].Use != "plan" {
		t.Fatalf("expected sorted subcommands, got %+v", parent.Subcommands)
	}

	if _, err := Build(root, "zap run"); err == nil {
		t.Fatal("expected unknown path to fail")
	}
}

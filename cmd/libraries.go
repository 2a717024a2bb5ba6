package cmd

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/wasm"
)

//go:embed example_experiment.yaml
var exampleExperiment []byte

var wasmDir string

// librariesCmd lists the model libraries a configuration can reference.
var librariesCmd = &cobra.Command{
	Use:   "libraries",
	Short: "List the builtin model libraries and spawn point types",
	Run: func(cmd *cobra.Command, args []string) {
		if err := listLibraries(cmd.OutOrStdout(), wasmDir); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// initCmd prints an example experiment to start from.
var initCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write an example experiment configuration",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			_, _ = cmd.OutOrStdout().Write(exampleExperiment)
			return
		}
		if _, err := os.Stat(args[0]); err == nil {
			logrus.Fatalf("%s already exists", args[0])
		}
		if err := os.WriteFile(args[0], exampleExperiment, 0o644); err != nil {
			logrus.Fatalf("writing example: %v", err)
		}
	},
}

// listLibraries writes the builtin libraries with their versions, the
// spawn point types and, when dir is set, the WASM libraries found in dir.
func listLibraries(w io.Writer, dir string) error {
	loader := sim.DefaultLoaders()[0]
	fmt.Fprintln(w, "Builtin model libraries:")
	for _, name := range sim.BuiltinLibraries() {
		lib, err := loader.Load(context.Background(), name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-20s %s\n", name, lib.Version())
	}
	fmt.Fprintln(w, "Spawn point types:")
	for _, t := range sim.SpawnPointTypes() {
		fmt.Fprintf(w, "  %s\n", t)
	}
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	fmt.Fprintf(w, "WASM model libraries in %s:\n", dir)
	l := &wasm.Loader{Dir: dir}
	for _, e := range entries {
		if !e.IsDir() && l.CanLoad(e.Name()) {
			fmt.Fprintf(w, "  %s\n", e.Name())
		}
	}
	return nil
}

func init() {
	librariesCmd.Flags().StringVar(&wasmDir, "wasm-dir", "", "Also list the .wasm libraries in this directory")
	rootCmd.AddCommand(librariesCmd)
	rootCmd.AddCommand(initCmd)
}

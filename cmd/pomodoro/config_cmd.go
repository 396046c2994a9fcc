package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pomodoro config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: pomodoro config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration, backend command, transport and integrity.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid (warnings allowed unless --strict)")
	fmt.Println("  1  Invalid, or warnings with --strict")
}

func printConfigLockHelp() {
	fmt.Println("Usage: pomodoro config lock [--config PATH]")
	fmt.Println("Record the config file's BLAKE3 hash in the sibling .checksums manifest.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: pomodoro config show [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration with defaults applied.")
}

// validateConfigAtPath runs every doctor check without stopping at the
// first problem, so integrity and validation errors are reported together.
func validateConfigAtPath(configPath string) (*doctor.Result, error) {
	cfg, err := config.Inspect(configPath)
	if err != nil {
		return nil, err
	}
	return doctor.New(cfg).Validate(), nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	format := fs.String("format", "human", "Output format: human or json")
	strict := fs.Bool("strict", false, "Treat warnings as failures")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *format != "human" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Unknown format %q (want human or json)\n", *format)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate config: %v\n", err)
		return 1
	}
	result, err := validateConfigAtPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if *format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate config: %v\n", err)
		return 1
	}
	// Refuse to pin a config that would not load.
	cfg, err := config.Inspect(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	hash, err := config.Lock(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", filepath.Base(cfg.SourcePath))
	fmt.Printf("  blake3: %s\n", hash)
	fmt.Printf("  manifest: %s\n", filepath.Join(filepath.Dir(cfg.SourcePath), config.ChecksumFile))
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate config: %v\n", err)
		return 1
	}
	cfg, err := config.Inspect(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

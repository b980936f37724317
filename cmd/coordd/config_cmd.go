package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/coordd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage coordd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.coordd/" + coordd.DefaultConfigFileName
	if dir, err := coordd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, coordd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default coordd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := coordd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, coordd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command's flag names so viper can read the
// generated file back unchanged.
type configDefaults struct {
	Port                      int    `yaml:"port"`
	Listen                    string `yaml:"listen"`
	ListenProto               string `yaml:"listen-proto"`
	Log                       string `yaml:"log"`
	LogNoSync                 bool   `yaml:"log-no-sync"`
	LogLevel                  string `yaml:"log-level"`
	ReleasePolicy             string `yaml:"release-policy"`
	Console                   bool   `yaml:"console"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	ArchiveStore              string `yaml:"archive-store"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Port:                      coordd.DefaultPort,
		ListenProto:               coordd.DefaultListenProto,
		Log:                       coordd.DefaultLogFile,
		LogLevel:                  "info",
		ReleasePolicy:             coordd.DefaultReleasePolicy,
		ConnguardFailureThreshold: coordd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    coordd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    coordd.DefaultConnguardBlockDuration.String(),
		ShutdownTimeout:           coordd.DefaultShutdownTimeout.String(),
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}

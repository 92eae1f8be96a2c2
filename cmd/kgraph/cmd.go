package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	_ "github.com/born-ml/kgraph/internal/backend/cpu" // registers "cpu"
	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/envconfig"
	"github.com/born-ml/kgraph/internal/logutil"
)

const version = "v0.1.0-dev"

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kgraph",
		Short:         "Compile and run compute graphs with custom kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	runCmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Compile a topology file and execute it once",
		Args:  cobra.ExactArgs(1),
		RunE:  RunHandler,
	}
	runCmd.Flags().String("device", "", "Device to run on (default $KGRAPH_DEVICE or cpu)")
	runCmd.Flags().StringArray("input", nil, "Input values as name=v1,v2,...; repeatable")
	runCmd.Flags().StringSlice("outputs", nil, "Nodes to return (default from the file, else graph sinks)")
	runCmd.Flags().Bool("plan", false, "Print the execution plan")

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List available devices",
		Args:  cobra.NoArgs,
		RunE:  DevicesHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			envHandler(cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kgraph version %s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd, devicesCmd, envCmd, versionCmd)
	return rootCmd
}

// DevicesHandler opens every registered backend and lists the ones that work.
func DevicesHandler(cmd *cobra.Command, _ []string) error {
	var data [][]string
	for _, name := range device.Names() {
		dev, err := device.Open(name)
		if err != nil {
			slog.Debug("device unavailable", "name", name, "error", err)
			data = append(data, []string{name, "-", "-", "unavailable"})
			continue
		}
		info := dev.Info()
		dev.Release()
		data = append(data, []string{name, info.Vendor, info.Language, strings.Join(info.Features, " ")})
	}

	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VENDOR", "LANGUAGE", "FEATURES"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func envHandler(w io.Writer) {
	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	table := newTable(w)
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	for _, k := range keys {
		v := vars[k]
		table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
	}
	table.Render()
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

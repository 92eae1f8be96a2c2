package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/network"
	"github.com/born-ml/kgraph/internal/topofile"
)

// RunHandler loads a topology file, compiles it and prints every output.
func RunHandler(cmd *cobra.Command, args []string) error {
	deviceName, err := cmd.Flags().GetString("device")
	if err != nil {
		return err
	}
	inputFlags, err := cmd.Flags().GetStringArray("input")
	if err != nil {
		return err
	}
	outputs, err := cmd.Flags().GetStringSlice("outputs")
	if err != nil {
		return err
	}
	showPlan, err := cmd.Flags().GetBool("plan")
	if err != nil {
		return err
	}

	overrides, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}

	f, err := topofile.Load(args[0])
	if err != nil {
		return err
	}

	eng, err := engine.Open(deviceName)
	if err != nil {
		return err
	}
	defer eng.Release()
	slog.Debug("opened device", "name", eng.Info().Name, "language", eng.Info().Language)

	g, err := f.Build(eng)
	if err != nil {
		return err
	}
	defer g.Release()

	var opts []network.Option
	if len(outputs) > 0 {
		opts = append(opts, network.WithOutputs(outputs...))
	}
	net, err := g.Compile(cmd.Context(), eng, opts...)
	if err != nil {
		return err
	}
	defer net.Release()

	if showPlan {
		printPlan(cmd.OutOrStdout(), net.Plan())
	}

	bufs, err := g.Bind(net, overrides)
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range bufs {
			b.Release()
		}
	}()

	outs, err := net.Execute(cmd.Context())
	if err != nil {
		return err
	}
	defer outs.Release()

	return printOutputs(cmd.OutOrStdout(), outs)
}

// parseInputs parses repeated name=v1,v2,... flags.
func parseInputs(flags []string) (map[string][]float64, error) {
	inputs := make(map[string][]float64, len(flags))
	for _, flag := range flags {
		name, list, ok := strings.Cut(flag, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q, expected name=v1,v2,...", flag)
		}
		if _, dup := inputs[name]; dup {
			return nil, fmt.Errorf("input %q given twice", name)
		}
		var values []float64
		for _, s := range strings.Split(list, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
			values = append(values, v)
		}
		inputs[name] = values
	}
	return inputs, nil
}

func printPlan(w io.Writer, plan []network.Step) {
	table := newTable(w)
	table.SetHeader([]string{"STEP", "NODE", "KIND", "ENTRY", "ARGS", "GLOBAL", "LOCAL"})
	for i, s := range plan {
		table.Append([]string{
			strconv.Itoa(i),
			s.Node,
			s.Kind.String(),
			s.EntryPoint,
			strings.Join(s.Args, ","),
			formatDims(s.WorkSize.Global),
			formatDims(s.WorkSize.Local),
		})
	}
	table.Render()
	fmt.Fprintln(w)
}

func printOutputs(w io.Writer, outs *network.Outputs) error {
	table := newTable(w)
	table.SetHeader([]string{"OUTPUT", "LAYOUT", "VALUES"})
	for name, buf := range outs.All() {
		values, err := buf.ReadAny()
		if err != nil {
			return fmt.Errorf("read output %q: %w", name, err)
		}
		table.Append([]string{name, buf.Layout().String(), formatValues(values)})
	}
	table.Render()
	return nil
}

func formatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatDims(dims []int) string {
	if len(dims) == 0 {
		return "-"
	}
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

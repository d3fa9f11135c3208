package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wdbg/heapstat/internal/aggregate"
	"github.com/wdbg/heapstat/internal/heapwalk"
	"github.com/wdbg/heapstat/internal/target"
	"github.com/wdbg/heapstat/internal/ust"
)

func newByCallerCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "heapstat <corefile>",
		Short: "walk all heaps and print a by-caller allocation summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer startProfile()()
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			cs := aggregate.NewCallerSummary(s.reader)
			cs.SymbolPrefixFilter = prefix
			out := cmd.OutOrStdout()
			if err := heapwalk.Walk(s.reader, s.env, cs, walkOptions(s.tracer(out))); err != nil {
				return err
			}
			printCallerSummary(out, cs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "symbol-prefix", "k", "", "restrict to UST records whose stack contains a frame matching this symbol prefix")
	return cmd
}

func printCallerSummary(out io.Writer, cs *aggregate.CallerSummary) {
	fmt.Fprintln(out, "module totals:")
	for _, m := range cs.ModuleRows() {
		fmt.Fprintln(out, "  "+m.String())
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "ust, count, total, max, entry")
	for _, r := range cs.Rows() {
		fmt.Fprintln(out, r.String())
		for _, f := range r.Frames {
			fmt.Fprintln(out, "\t"+formatFrame(f))
		}
	}
}

func formatFrame(f ust.Frame) string {
	switch {
	case f.Module == "":
		return f.PC.String()
	case f.Symbol == "":
		return fmt.Sprintf("%s+%#x", f.Module, f.Displacement)
	default:
		return fmt.Sprintf("%s!%s+%#x", f.Module, f.Symbol, f.Displacement)
	}
}

func newBySizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bysize <corefile> [size]",
		Short: "walk all heaps and print a by-size allocation summary",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer startProfile()()
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			ss := aggregate.NewSizeSummary()
			out := cmd.OutOrStdout()
			if err := heapwalk.Walk(s.reader, s.env, ss, walkOptions(s.tracer(out))); err != nil {
				return err
			}
			if len(args) == 2 {
				size, err := strconv.ParseInt(args[1], 0, 64)
				if err != nil {
					return fmt.Errorf("invalid size %q: %w", args[1], err)
				}
				for _, a := range ss.Addresses(size) {
					fmt.Fprintln(out, a)
				}
				return nil
			}
			fmt.Fprintln(out, "count, size")
			for _, r := range ss.Rows() {
				fmt.Fprintln(out, r.String())
			}
			return nil
		},
	}
	return cmd
}

func newUMDHCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "umdh <corefile> <output-path>",
		Short: "walk all heaps and write a UMDH-format leak-diff file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer startProfile()()
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			if !s.env.USTEnabled() && !s.env.PageHeapEnabled() {
				return fmt.Errorf("%w: umdh requires a UST- or page-heap-instrumented process", target.ErrModeUnavailable)
			}
			w := aggregate.NewUMDHWriter(s.reader)
			w.Newline = umdhNewline()
			if err := heapwalk.Walk(s.reader, s.env, w, walkOptions(s.tracer(cmd.OutOrStdout()))); err != nil {
				return err
			}
			return w.WriteFile(args[1])
		},
	}
	return cmd
}

func newUSTCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ust <corefile> <address>",
		Short: "print the raw stack trace of a single UST record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			addr, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[1], err)
			}
			rec, err := ust.Read(s.reader, target.Address(addr), s.env.Bitness())
			if err != nil {
				return err
			}
			frames, _ := ust.Symbolize(s.reader, rec)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "depth: %d\n", rec.Depth)
			for _, f := range frames {
				fmt.Fprintln(out, formatFrame(f))
			}
			return nil
		},
	}
	return cmd
}

func newOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview <corefile>",
		Short: "print the process's heap environment (bitness, UST, page heap, OS version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			major, minor := s.env.OSVersion()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bitness: %d\n", s.env.Bitness())
			fmt.Fprintf(out, "wow64: %v\n", s.env.WOW64())
			fmt.Fprintf(out, "OS version: %d.%d\n", major, minor)
			fmt.Fprintf(out, "UST enabled: %v\n", s.env.USTEnabled())
			fmt.Fprintf(out, "page heap enabled: %v\n", s.env.PageHeapEnabled())
			for _, warn := range s.reader.Warnings() {
				fmt.Fprintln(out, "warning:", warn)
			}
			return nil
		},
	}
}

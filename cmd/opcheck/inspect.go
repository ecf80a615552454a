package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/check"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/safetensors"
)

func newInspectCmd() *cobra.Command {
	var compare bool

	cmd := &cobra.Command{
		Use:   "inspect <dump.safetensors>",
		Short: "Show the tensors of a failing-case dump",
		Long: `Inspect lists the metadata and tensors of a dump written by run --dump-dir.
With --compare every compiled output is compared again against its eager
output under the tolerance of the output dtype.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			store, err := safetensors.OpenStore(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.ReadAll()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			writeMetadata(store.Metadata(), out)
			writeTensorTable(store.Names(), all, out)

			if !compare {
				return nil
			}

			return compareDump(all, cfg.Tolerance.Scale, out)
		},
	}

	cmd.Flags().BoolVar(&compare, "compare", false, "Compare compiled outputs against eager outputs")

	return cmd
}

func writeMetadata(meta map[string]string, w io.Writer) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, meta[k])
	}

	if len(keys) > 0 {
		fmt.Fprintln(w)
	}
}

func writeTensorTable(names []string, all map[string]*tensor.Tensor, w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TENSOR", "DTYPE", "SHAPE", "ELEMENTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, name := range names {
		t := all[name]
		table.Append([]string{name, t.DType().String(), fmt.Sprint(t.Shape()), humanize.Comma(int64(t.ElemCount()))})
	}

	table.Render()
}

func compareDump(all map[string]*tensor.Tensor, scale float64, w io.Writer) error {
	failed := 0

	for i := 0; ; i++ {
		key := fmt.Sprintf("out%d", i)

		want, ok := all["eager/"+key]
		if !ok {
			if i == 0 {
				return errors.New("dump has no eager outputs")
			}

			break
		}

		got, ok := all["compiled/"+key]
		if !ok {
			return fmt.Errorf("dump has no compiled/%s", key)
		}

		tol := ops.Tolerance{EqualNaN: true}

		if want.DType().IsFloat() {
			base, err := ops.DTypeTolerance(want.DType())
			if err != nil {
				return err
			}

			tol = base.Scale(scale)
		}

		rep, err := check.CompareTensor(key, got, want, tol)
		if err != nil {
			return err
		}

		if !rep.Pass {
			failed++
		}

		fmt.Fprintln(w, rep.String())
	}

	if failed > 0 {
		return fmt.Errorf("%d output(s) differ", failed)
	}

	return nil
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"mlgcn/gcn"
	"mlgcn/model"
)

var paramsLR float64

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "List parameter groups and their learning rates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		// the listing does not depend on weight values
		cfg.Model.Pretrained = false
		m, err := buildModel(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		lr := paramsLR
		if lr == 0 {
			lr = cfg.Train.LR
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tPARAMS\tVALUES\tLR")
		for _, g := range m.ParamGroups(lr, cfg.Train.LRScale) {
			fmt.Fprintf(w, "%s\t%d\t%d\t%g\n", g.Name, len(g.Params), countValues(g), g.LR)
		}
		fmt.Fprintf(w, "A\t1\t%d\t-\n", m.Config.NumLabels*m.Config.NumLabels)
		return w.Flush()
	},
}

var adjCmd = &cobra.Command{
	Use:   "adj",
	Short: "Print the thresholded and normalised label adjacency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		stats, err := gcn.LoadStats(cfg.Graph.Stats)
		if err != nil {
			return err
		}
		a, err := gcn.GenA(stats, len(cfg.Data.Labels), cfg.Graph.P, cfg.Graph.Tao)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "A =\n%v\n\n", mat.Formatted(a, mat.Prefix("    "), mat.Squeeze()))
		fmt.Fprintf(out, "GenAdj(A) =\n%v\n", mat.Formatted(gcn.GenAdj(a), mat.Prefix("    "), mat.Squeeze()))
		return nil
	},
}

func init() {
	paramsCmd.Flags().Float64Var(&paramsLR, "lr", 0, "Base learning rate (default: train.lr)")
}

func countValues(g model.ParamGroup) int {
	var n int
	for _, p := range g.Params {
		n += p.Node.Shape().TotalSize()
	}
	return n
}

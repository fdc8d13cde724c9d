package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/RMahshie/ivlab/internal/bias"
	"github.com/RMahshie/ivlab/pkg/models"
)

var biasFlavor string

var biasCmd = &cobra.Command{
	Use:   "bias <transistor>",
	Short: "Print the resolved bias lists for a transistor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		pol, ok := models.PolarityFromKey(key)
		if !ok {
			return fmt.Errorf("transistor key %q must contain nmos or pmos", key)
		}
		flavor := models.FlavorFromKey(key, models.Flavor(cfg.Processing.DefaultFlavor))
		if biasFlavor != "" {
			flavor = models.Flavor(strings.ToUpper(biasFlavor))
		}

		set, err := bias.Load(cfg.Processing.BiasFile)
		if err != nil {
			return err
		}
		return printBiases(cmd.OutOrStdout(), set, pol, flavor)
	},
}

func init() {
	biasCmd.Flags().StringVar(&biasFlavor, "flavor", "", "Device flavor LV, MV or HV (default: derived from the key)")
}

func printBiases(w io.Writer, set *bias.InstructionSet, pol models.Polarity, flavor models.Flavor) error {
	labels := set.Labels(pol)
	sort.Strings(labels)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s %s\n", pol, flavor)
	for _, label := range labels {
		b, err := set.Sweep(pol, label, flavor)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\n", label)
		fmt.Fprintf(tw, "  %s\t%s\n", bias.KeySourceSub, bias.Describe(b.SourceSub))
		fmt.Fprintf(tw, "  %s\t%s\n", bias.KeyBulkSource, bias.Describe(b.BulkSource))
		fmt.Fprintf(tw, "  %s\t%s\n", bias.KeyDrainSource, bias.Describe(b.DrainSource))
		fmt.Fprintf(tw, "  %s\t%s\n", bias.KeyGateSource, bias.Describe(b.GateSource))
	}
	return tw.Flush()
}

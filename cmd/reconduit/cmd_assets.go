// Asset inspection commands: read-only views over the asset graph.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reconduit/internal/store"
)

var (
	assetsAll   bool
	assetsLimit int
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Inspect a program's discovered assets",
}

var assetsHostsCmd = &cobra.Command{
	Use:   "hosts <program>",
	Short: "List discovered hostnames",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetsHosts,
}

var assetsAddrsCmd = &cobra.Command{
	Use:   "addresses <program>",
	Short: "List discovered IP addresses",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetsAddrs,
}

var assetsFindingsCmd = &cobra.Command{
	Use:   "findings <program>",
	Short: "List recorded findings",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetsFindings,
}

var assetsLeaksCmd = &cobra.Command{
	Use:   "leaks <program>",
	Short: "List recorded secret exposures",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetsLeaks,
}

func init() {
	assetsCmd.PersistentFlags().BoolVar(&assetsAll, "all", false, "Include out-of-scope assets")
	assetsCmd.PersistentFlags().IntVar(&assetsLimit, "limit", 200, "Maximum rows to print")

	assetsCmd.AddCommand(assetsHostsCmd, assetsAddrsCmd, assetsFindingsCmd, assetsLeaksCmd)
}

func runAssetsHosts(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}
	filters := store.Filters{"program_id": p.ID}
	if !assetsAll {
		filters["in_scope"] = true
	}
	hosts, err := st.Repos().Hosts().FindMany(cmd.Context(), filters,
		store.FindOpts{OrderBy: "hostname", Limit: assetsLimit})
	if err != nil {
		return err
	}
	for _, h := range hosts {
		marker := " "
		if !h.InScope {
			marker = "!"
		}
		line := fmt.Sprintf("%s %-40s %s", marker, h.Hostname, h.Source)
		if len(h.CNAMEChain) > 0 {
			line += " -> " + strings.Join(h.CNAMEChain, " -> ")
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
	fmt.Printf("%d hosts\n", len(hosts))
	return nil
}

func runAssetsAddrs(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}
	filters := store.Filters{"program_id": p.ID}
	if !assetsAll {
		filters["in_scope"] = true
	}
	addrs, err := st.Repos().IPAddresses().FindMany(cmd.Context(), filters,
		store.FindOpts{OrderBy: "address", Limit: assetsLimit})
	if err != nil {
		return err
	}
	for _, a := range addrs {
		asn := a.ASN
		if asn == "" {
			asn = "-"
		}
		fmt.Printf("%-40s %-4s %s\n", a.Address, a.Version, asn)
	}
	fmt.Printf("%d addresses\n", len(addrs))
	return nil
}

func runAssetsFindings(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}
	findings, err := st.Repos().Findings().FindMany(cmd.Context(),
		store.Filters{"program_id": p.ID},
		store.FindOpts{OrderBy: "created_at DESC", Limit: assetsLimit})
	if err != nil {
		return err
	}
	for _, f := range findings {
		fmt.Printf("%-8s %-40s %s\n", f.Severity, f.Title, f.Evidence)
	}
	fmt.Printf("%d findings\n", len(findings))
	return nil
}

func runAssetsLeaks(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}
	leaks, err := st.Repos().Leaks().FindMany(cmd.Context(),
		store.Filters{"program_id": p.ID},
		store.FindOpts{OrderBy: "created_at DESC", Limit: assetsLimit})
	if err != nil {
		return err
	}
	for _, l := range leaks {
		fmt.Printf("%-18s %-44s %s\n", l.Kind, l.Value, l.Source)
	}
	fmt.Printf("%d leaks\n", len(leaks))
	return nil
}

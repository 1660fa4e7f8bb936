// Program management commands: creating programs, attaching scope
// rules and seeding root inputs.
package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"reconduit/internal/normalize"
	"reconduit/internal/scope"
	"reconduit/internal/store"
)

var (
	programPlatform string
	scopeKind       string
	scopeExclude    bool
	seedKind        string
)

var programCmd = &cobra.Command{
	Use:   "program",
	Short: "Manage bug bounty programs and their scope",
}

var programAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a program",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgramAdd,
}

var programListCmd = &cobra.Command{
	Use:   "list",
	Short: "List programs",
	RunE:  runProgramList,
}

var programShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a program's scope, seeds and asset counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgramShow,
}

var programScopeCmd = &cobra.Command{
	Use:   "scope <name> <pattern>",
	Short: "Attach a scope rule to a program",
	Long: `Attaches an include or exclude rule. The kind defaults to a guess:
CIDR notation becomes a cidr rule, patterns with a * become wildcard
rules, everything else a domain rule. Pass --kind to override.

Examples:
  reconduit program scope acme '*.example.com'
  reconduit program scope acme 203.0.113.0/24
  reconduit program scope acme internal.example.com --exclude`,
	Args: cobra.ExactArgs(2),
	RunE: runProgramScope,
}

var programSeedCmd = &cobra.Command{
	Use:   "seed <name> <value>",
	Short: "Record a root input for a program",
	Args:  cobra.ExactArgs(2),
	RunE:  runProgramSeed,
}

func init() {
	programAddCmd.Flags().StringVar(&programPlatform, "platform", "", "Platform the program runs on (hackerone, bugcrowd, ...)")
	programScopeCmd.Flags().StringVar(&scopeKind, "kind", "", "Rule kind: domain, wildcard, regex or cidr (default: guessed)")
	programScopeCmd.Flags().BoolVar(&scopeExclude, "exclude", false, "Make this an exclude rule")
	programSeedCmd.Flags().StringVar(&seedKind, "kind", "", "Seed kind: domain, ip or url (default: guessed)")

	programCmd.AddCommand(programAddCmd, programListCmd, programShowCmd, programScopeCmd, programSeedCmd)
}

// programByName resolves a program argument, listing the known names on
// a miss so typos are cheap.
func programByName(cmd *cobra.Command, st *store.Store, name string) (*store.Program, error) {
	p, err := st.Repos().Programs().GetByName(cmd.Context(), name)
	if err == nil {
		return p, nil
	}
	all, listErr := st.Repos().Programs().FindMany(cmd.Context(), store.Filters{}, store.FindOpts{})
	if listErr != nil || len(all) == 0 {
		return nil, fmt.Errorf("program %q not found", name)
	}
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.Name)
	}
	return nil, fmt.Errorf("program %q not found (known: %s)", name, strings.Join(names, ", "))
}

func runProgramAdd(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p := store.NewProgram(args[0], programPlatform)
	if err := st.Repos().Programs().Create(cmd.Context(), p); err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	fmt.Printf("created program %s (%s)\n", p.Name, p.ID)
	return nil
}

func runProgramList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	programs, err := st.Repos().Programs().FindMany(cmd.Context(), store.Filters{}, store.FindOpts{})
	if err != nil {
		return err
	}
	if len(programs) == 0 {
		fmt.Println("no programs yet; create one with: reconduit program add <name>")
		return nil
	}
	for _, p := range programs {
		platform := p.Platform
		if platform == "" {
			platform = "-"
		}
		fmt.Printf("%-24s %-12s %s\n", p.Name, platform, p.ID)
	}
	return nil
}

func runProgramShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	p, err := programByName(cmd, st, args[0])
	if err != nil {
		return err
	}
	repos := st.Repos()

	fmt.Printf("program %s (%s)\n", p.Name, p.ID)
	if p.Platform != "" {
		fmt.Printf("platform %s\n", p.Platform)
	}

	rules, err := repos.ScopeRules().ForProgram(ctx, p.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\nscope (%d rules)\n", len(rules))
	for _, r := range rules {
		fmt.Printf("  %-7s %-8s %s\n", r.Action, r.Kind, r.Pattern)
	}

	seeds, err := repos.RootInputs().FindMany(ctx, store.Filters{"program_id": p.ID}, store.FindOpts{})
	if err != nil {
		return err
	}
	fmt.Printf("\nseeds (%d)\n", len(seeds))
	for _, s := range seeds {
		fmt.Printf("  %-6s %s\n", s.Kind, s.Value)
	}

	type counted struct {
		label string
		count func() (int64, error)
	}
	byProgram := store.Filters{"program_id": p.ID}
	counts := []counted{
		{"hosts", func() (int64, error) { return repos.Hosts().Count(ctx, byProgram) }},
		{"addresses", func() (int64, error) { return repos.IPAddresses().Count(ctx, byProgram) }},
		{"findings", func() (int64, error) { return repos.Findings().Count(ctx, byProgram) }},
		{"leaks", func() (int64, error) { return repos.Leaks().Count(ctx, byProgram) }},
		{"executions", func() (int64, error) { return repos.ScannerExecutions().Count(ctx, byProgram) }},
	}
	fmt.Println("\nassets")
	for _, c := range counts {
		n, err := c.count()
		if err != nil {
			return err
		}
		fmt.Printf("  %-10s %d\n", c.label, n)
	}
	return nil
}

func runProgramScope(cmd *cobra.Command, args []string) error {
	name, pattern := args[0], args[1]

	kind := scopeKind
	if kind == "" {
		kind = guessRuleKind(pattern)
	}
	action := string(scope.ActionInclude)
	if scopeExclude {
		action = string(scope.ActionExclude)
	}

	// Reject rules the workers would choke on before they hit the store.
	rule := scope.Rule{Kind: scope.RuleKind(kind), Pattern: pattern, Action: scope.Action(action)}
	if _, err := scope.Compile([]scope.Rule{rule}); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := programByName(cmd, st, name)
	if err != nil {
		return err
	}
	row := store.NewScopeRule(p.ID, kind, pattern, action)
	if err := st.Repos().ScopeRules().Create(cmd.Context(), row); err != nil {
		return fmt.Errorf("create scope rule: %w", err)
	}
	fmt.Printf("added %s %s rule %q to %s\n", action, kind, pattern, p.Name)
	return nil
}

func guessRuleKind(pattern string) string {
	switch {
	case strings.Contains(pattern, "/"):
		return string(scope.KindCIDR)
	case strings.Contains(pattern, "*"):
		return string(scope.KindWildcard)
	default:
		return string(scope.KindDomain)
	}
}

func runProgramSeed(cmd *cobra.Command, args []string) error {
	name, value := args[0], args[1]

	kind := seedKind
	if kind == "" {
		kind = guessSeedKind(value)
	}
	switch kind {
	case "domain", "ip", "url":
	default:
		return fmt.Errorf("unknown seed kind %q (want domain, ip or url)", kind)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := programByName(cmd, st, name)
	if err != nil {
		return err
	}
	seed := store.NewRootInput(p.ID, value, kind)
	if err := st.Repos().RootInputs().Create(cmd.Context(), seed); err != nil {
		return fmt.Errorf("create seed: %w", err)
	}
	fmt.Printf("seeded %s with %s %q\n", p.Name, kind, value)
	return nil
}

func guessSeedKind(value string) string {
	if _, ok := normalize.IPVersion(value); ok {
		return "ip"
	}
	if u, err := url.Parse(value); err == nil && u.Scheme != "" && u.Host != "" {
		return "url"
	}
	return "domain"
}

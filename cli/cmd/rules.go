package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/TyberiusPrime/uv2nix-hammer/cli/config"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/render"
	"github.com/TyberiusPrime/uv2nix-hammer/rules"
)

// RuleEntry is one row of the rules listing.
type RuleEntry struct {
	Order       int    `json:"order"`
	ID          string `json:"id"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// RulesCommand returns the rules command, which lists the catalog in
// evaluation order.
func RulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "List repair rules in the order they are tried",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "knowledge-base",
				Usage: "YAML file extending the built-in tables (overrides hammer.yaml)",
			},
		),
		Action: rulesAction,
	}
}

func rulesAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if err := rejectTUI(c, "rules"); err != nil {
		return err
	}

	cfg, err := config.LoadOptional(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	kb := cfg.KnowledgeBase
	if c.IsSet("knowledge-base") {
		kb = c.String("knowledge-base")
	}
	tables, err := rules.LoadTables(kb)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return r.Render(ruleEntries(rules.DefaultCatalog(tables)))
}

func ruleEntries(catalog *rules.Catalog) []RuleEntry {
	var entries []RuleEntry
	for i, rule := range catalog.Rules() {
		entries = append(entries, RuleEntry{
			Order:       i + 1,
			ID:          rule.ID,
			Category:    string(rule.Category),
			Description: rule.Description,
		})
	}
	return entries
}

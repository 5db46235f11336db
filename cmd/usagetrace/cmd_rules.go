// cmd_rules.go implements the 'usagetrace rules' command.
package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kolkov/usagetrace/internal/usage/policy"
)

var rulesExtra []string

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules [names...]",
		Short: "Show the effective scan rules and test names against them",
		Long: `Rules prints the builtin and user scan rules in evaluation order. Each name
given is evaluated and printed with its verdict and the deciding rule.

  usagetrace rules
  usagetrace rules --rule 'github.com/acme/** !github.com/acme/gen' github.com/acme/app#main.go`,
		RunE: runRules,
	}
	cmd.Flags().StringArrayVar(&rulesExtra, "rule", nil, "additional user rules, evaluated last (repeatable)")
	return cmd
}

func runRules(cmd *cobra.Command, names []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	p := cfg.Policy()
	if len(rulesExtra) > 0 {
		extra, err := policy.ParseList(rulesExtra)
		if err != nil {
			return err
		}
		p = policy.New(p.Rules(), extra, p.Flags())
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	rules := p.Rules()
	if len(rules) == 0 {
		fmt.Fprintln(w, "no rules: every unit is excluded")
	}
	for i, r := range rules {
		verdict := "include"
		if !r.Include() {
			verdict = "exclude"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, r.Text, verdict, r.Kind)
	}

	if len(names) > 0 {
		fmt.Fprintln(w)
	}
	for _, name := range names {
		include, by, decided := p.Explain(name)
		verdict := "include"
		if !include {
			verdict = "exclude"
		}
		reason := "by " + by.Text
		if !decided {
			reason = "no rule matched"
		}
		fmt.Fprintf(w, "%s\t%s\t(%s)\n", name, verdict, reason)
	}
	return w.Flush()
}

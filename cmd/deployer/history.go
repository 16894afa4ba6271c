package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"chain-deployer/internal/storage/ledger"

	"github.com/urfave/cli/v2"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List the most recent deployments recorded in the ledger",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of deployments to list",
				Value: 20,
			},
		},
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load config: %v", err), 1)
	}
	repo, err := ledger.Open(c.Context, cfg.Ledger, cfg.Runtime.DataDir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open ledger: %v", err), 1)
	}
	if repo == nil {
		return cli.Exit("deployment ledger is disabled (ledger.driver: none)", 1)
	}
	defer repo.Close()

	records, err := repo.ListLatest(c.Context, c.Int("limit"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("list deployments: %v", err), 1)
	}
	if len(records) == 0 {
		fmt.Fprintln(c.App.Writer, "No deployments recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tNETWORK\tCONTRACT\tSTATUS\tADDRESS / REASON\tTX HASH")
	for _, r := range records {
		detail := r.Address
		if r.Status == ledger.StatusFailed {
			detail = r.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.UTC().Format(time.RFC3339), r.Network, r.Contract, r.Status, detail, r.TxHash)
	}
	return w.Flush()
}

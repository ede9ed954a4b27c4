package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/answer"
	"github.com/foliant-labs/folio/internal/cli"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/metrics"
)

func searchCmd() *cobra.Command {
	var (
		collections []string
		page        int
		pageSize    int
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search published versions and get a cited answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(strings.Join(args, " "), collections, page, pageSize, jsonOut)
		},
	}
	cmd.Flags().StringSliceVarP(&collections, "collections", "c", nil, "Restrict to these collections (ids or names)")
	cmd.Flags().IntVar(&page, "page", 1, "Result page")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Results per page")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runSearch(query string, collections []string, page, pageSize int, jsonOut bool) error {
	ctx := context.Background()
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	reg := metrics.New(logging.Discard())
	composer, err := answer.New(st.store, st.index, reg, st.log, st.cfg.Search, st.chunking())
	if err != nil {
		return err
	}

	resp, err := composer.Search(ctx, answer.Request{
		Query:       query,
		Collections: collections,
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if resp.NoAnswerReason != "" {
		fmt.Printf("\n  %sno answer%s (%s)\n\n", cli.Dim, cli.Reset, resp.NoAnswerReason)
		return nil
	}

	if resp.Answer != "" {
		fmt.Printf("\n%s\n", indent(resp.Answer, "  "))
		for i, cit := range resp.Citations {
			fmt.Printf("  %s[%d]%s %s %s(%s)%s\n", cli.Cyan, i+1, cli.Reset,
				cit.PassageID, cli.Dim, cit.Status, cli.Reset)
		}
	}

	cli.Section(fmt.Sprintf("Results (page %d of %d hits)", resp.Page, resp.TotalCount))
	for _, r := range resp.Results {
		fmt.Printf("  %s%s%s  %s%.3f%s\n", cli.Bold, r.Title, cli.Reset, cli.Dim, r.Score, cli.Reset)
		fmt.Printf("    %s\n", firstLine(r.Snippet))
		fmt.Printf("    %s%s · %s%s\n", cli.Dim, r.VersionID, r.PassageID, cli.Reset)
	}
	if resp.HasMore {
		fmt.Printf("\n  %smore: --page %d%s\n", cli.Dim, resp.Page+1, cli.Reset)
	}
	fmt.Println()
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

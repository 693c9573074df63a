package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/failover"
)

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Inspect server failover lists",
}

var failoverShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Print the servers of a failover list in failover order",
	Long: `Print the servers of a failover list in the order the agent tries them.
Without a file argument the list configured for the agent is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFailoverShow,
}

var failoverCheckCmd = &cobra.Command{
	Use:     "check <file>",
	Short:   "Validate every line of a failover list",
	Example: `  vahti failover check /var/lib/vahti/failover-list.txt`,
	Args:    cobra.ExactArgs(1),
	RunE:    runFailoverCheck,
}

func init() {
	failoverCmd.AddCommand(failoverShowCmd, failoverCheckCmd)
	rootCmd.AddCommand(failoverCmd)
}

func failoverPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.Server.FailoverFile, nil
}

func runFailoverShow(cmd *cobra.Command, args []string) error {
	path, err := failoverPath(cmd, args)
	if err != nil {
		return err
	}
	list, err := failover.Load(path)
	if err != nil {
		return err
	}
	if list.Len() == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No servers in %s\n", path)
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Address", "Port", "Secure Port", "Role"})
	for i, s := range list.Servers() {
		role := "backup"
		if i == 0 {
			role = "primary"
		}
		t.AppendRow(table.Row{i + 1, s.Address, s.Port, s.SecurePort, role})
	}
	t.Render()
	return nil
}

func runFailoverCheck(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	var valid, invalid int
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := failover.ParseLine(line); err != nil {
			fmt.Fprintf(out, "line %d: %v\n", lineNo, err)
			invalid++
			continue
		}
		valid++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d valid, %d invalid\n", valid, invalid)
	if invalid > 0 {
		return fmt.Errorf("%s has %d invalid entries", args[0], invalid)
	}
	if valid == 0 {
		return fmt.Errorf("%s lists no servers", args[0])
	}
	return nil
}

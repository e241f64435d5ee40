// ABOUTME: condor init: writes a starter config file from a few prompts
// ABOUTME: Accepts the admin as a numeric id or a Matrix user id

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/condor/internal/config"
	"github.com/2389/condor/internal/matrix"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}

	fmt.Fprintln(out, "condor configuration setup")
	fmt.Fprintln(out, "==========================")
	fmt.Fprintln(out)

	dataDir := getDataPath()
	outputFile := ask("Config file path", getConfigPath())

	fmt.Fprintln(out, "\n--- Storage ---")
	driver := ask("Storage driver (yaml/sqlite)", config.DriverYAML)
	if driver != config.DriverYAML && driver != config.DriverSQLite {
		return fmt.Errorf("unknown storage driver %q", driver)
	}
	defaultStore := filepath.Join(dataDir, "condor.yaml")
	if driver == config.DriverSQLite {
		defaultStore = filepath.Join(dataDir, "condor.db")
	}
	s := config.Starter{
		Driver:     driver,
		StorePath:  ask("Store path", defaultStore),
		SecretsKey: ask("Secrets key path", filepath.Join(dataDir, ".secrets.key")),
	}

	fmt.Fprintln(out, "\n--- Matrix ---")
	s.Homeserver = ask("Homeserver URL (empty to skip)", "")
	if s.Homeserver != "" {
		s.MatrixUser = ask("Bot user id", "@condor:"+hostOf(s.Homeserver))
	}

	fmt.Fprintln(out, "\n--- Admin ---")
	admin := ask("Admin (Matrix user id or numeric id, empty for $CONDOR_ADMIN_ID)", "")
	if admin != "" {
		id, err := parseAdmin(admin)
		if err != nil {
			return err
		}
		s.AdminID = id
	}

	fmt.Fprintln(out, "\n--- Status API ---")
	s.HTTPAddr = ask("Listen address (empty to disable)", "127.0.0.1:8090")

	if err := config.WriteStarter(outputFile, s); err != nil {
		if errors.Is(err, config.ErrExists) {
			fmt.Fprintf(out, "\n%s already exists, leaving it alone.\n", outputFile)
			return nil
		}
		return err
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the bot:")
	fmt.Fprintln(out, "  condor serve")
	return nil
}

// parseAdmin accepts "@user:server" or a positive integer.
func parseAdmin(s string) (int64, error) {
	if strings.HasPrefix(s, "@") {
		return int64(matrix.UserIDFor(s)), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("admin must be a Matrix user id or a positive number, got %q", s)
	}
	return id, nil
}

func hostOf(url string) string {
	host := url
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return host
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}

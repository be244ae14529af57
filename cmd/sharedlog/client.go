package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apihttp "sharedlog/internal/http"
)

const clientTimeout = 5 * time.Second

var clientFlags struct {
	Root        bool
	GidSeed     string
	Offset      int
	Factor      float64
	Fixed       bool
	MemoryLimit string
}

var appendCmd = &cobra.Command{
	Use:          "append <log> <data>",
	Short:        "appends an entry",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         runAppend,
}

var replicatorsCmd = &cobra.Command{
	Use:          "replicators <log>",
	Short:        "lists the replicators of a log in ring order",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runReplicators,
}

var unionCmd = &cobra.Command{
	Use:          "union <log>",
	Short:        "lists the peers a complete read has to ask",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runUnion,
}

var roleCmd = &cobra.Command{
	Use:   "role <log> <observer|replicator>",
	Short: "changes the role of the peer for a log",
	Long: `
	Switches the peer to observer or replicator. A replicator without --factor
	starts at 1 and is rebalanced unless --fixed is given.
	`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         runRole,
}

var clientCmds = []*cobra.Command{
	appendCmd,
	replicatorsCmd,
	unionCmd,
	roleCmd,
}

func init() {
	appendCmd.Flags().BoolVar(&clientFlags.Root, "root", false, "start a new causal group")
	appendCmd.Flags().StringVar(&clientFlags.GidSeed, "gid-seed", "", "derive the group id of a new root from this seed")
	unionCmd.Flags().IntVar(&clientFlags.Offset, "offset", 0, "start the union this many peers after the local one")
	roleCmd.Flags().Float64Var(&clientFlags.Factor, "factor", 0, "replication factor")
	roleCmd.Flags().BoolVar(&clientFlags.Fixed, "fixed", false, "keep the factor out of rebalancing")
	roleCmd.Flags().StringVar(&clientFlags.MemoryLimit, "memory", "", "memory limit, e.g. 512MiB")
}

var httpClient = &http.Client{Timeout: clientTimeout}

func logPath(log string, rest ...string) string {
	parts := append([]string{strings.TrimRight(cliContext.Addr, "/"), "api", "logs", url.PathEscape(log)}, rest...)
	return strings.Join(parts, "/")
}

// doJSON sends body and prints the value of the response envelope.
func doJSON(method, target, contentType string, body io.Reader) error {
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Status apihttp.Status  `json:"status"`
		Value  json.RawMessage `json:"value"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Status == apihttp.StatusError {
		return fmt.Errorf("%s: %s", resp.Status, out.Error)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out.Value, "", "  "); err != nil {
		_, err = os.Stdout.Write(out.Value)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(os.Stdout)
	return err
}

func runAppend(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if clientFlags.Root {
		q.Set("root", "true")
	}
	if clientFlags.GidSeed != "" {
		q.Set("gid_seed", clientFlags.GidSeed)
	}
	target := logPath(args[0], "entries")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return doJSON(http.MethodPost, target, "application/octet-stream", strings.NewReader(args[1]))
}

func runReplicators(cmd *cobra.Command, args []string) error {
	return doJSON(http.MethodGet, logPath(args[0], "replicators"), "", nil)
}

func runUnion(cmd *cobra.Command, args []string) error {
	return doJSON(http.MethodGet, logPath(args[0], "union")+"?offset="+strconv.Itoa(clientFlags.Offset), "", nil)
}

func runRole(cmd *cobra.Command, args []string) error {
	req := apihttp.RoleRequest{
		Role:        args[1],
		Fixed:       clientFlags.Fixed,
		MemoryLimit: clientFlags.MemoryLimit,
	}
	if cmd.Flags().Changed("factor") {
		f := clientFlags.Factor
		req.Factor = &f
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return doJSON(http.MethodPut, logPath(args[0], "role"), "application/json", bytes.NewReader(body))
}

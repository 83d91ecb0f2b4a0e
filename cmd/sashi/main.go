package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sashimono/agent/pkg/client"
	"github.com/sashimono/agent/pkg/config"
	"github.com/sashimono/agent/pkg/message"
	"github.com/sashimono/agent/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

var dataDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sashi",
	Short: "Sashimono agent admin CLI",
	Long: `sashi talks to the local sashimono agent over its control socket.
It requires membership in the agent's admin group.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "/etc/sashimono", "Agent data directory")

	createCmd.Flags().StringP("owner", "o", "", "Owner public key (ed-prefixed hex)")
	createCmd.Flags().StringP("contract-id", "c", "", "Contract id (UUIDv4)")
	createCmd.Flags().StringP("image", "i", "", "Container image")
	createCmd.MarkFlagRequired("owner")
	createCmd.MarkFlagRequired("contract-id")
	createCmd.MarkFlagRequired("image")

	for _, c := range []*cobra.Command{startCmd, stopCmd, destroyCmd, inspectCmd} {
		c.Flags().StringP("name", "n", "", "Container name")
		c.MarkFlagRequired("name")
	}

	jsonCmd.Flags().StringP("message", "m", "", "Raw JSON control message")
	jsonCmd.MarkFlagRequired("message")

	rootCmd.AddCommand(statusCmd, listCmd, createCmd, startCmd, stopCmd, destroyCmd, inspectCmd, jsonCmd)
}

func newClient() *client.Client {
	return client.NewClient(config.Paths{DataDir: dataDir}.Socket())
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the agent is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Request(&message.ListRequest{Type: message.TypeList})
		if err != nil {
			return fmt.Errorf("agent is not reachable: %w", err)
		}
		if resp.Type != "list_res" {
			return fmt.Errorf("unexpected agent response: %v", resp.Content)
		}
		fmt.Println("Agent is running.")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List contract instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Request(&message.ListRequest{Type: message.TypeList})
		if err != nil {
			return err
		}
		if resp.Type != "list_res" {
			return fmt.Errorf("%v", resp.Content)
		}

		raw, err := json.Marshal(resp.Content)
		if err != nil {
			return err
		}
		var summaries []types.InstanceSummary
		if err := json.Unmarshal(raw, &summaries); err != nil {
			return fmt.Errorf("malformed list response: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tUSER\tSTATUS\tPEER\tUSER PORT\tCONTRACT")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.Name, s.User, s.Status, s.PeerPort, s.UserPort, s.ContractID)
		}
		return w.Flush()
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new contract instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		contractID, _ := cmd.Flags().GetString("contract-id")
		image, _ := cmd.Flags().GetString("image")

		resp, err := newClient().Request(&message.CreateRequest{
			Type:        message.TypeCreate,
			OwnerPubkey: owner,
			ContractID:  contractID,
			Image:       image,
		})
		if err != nil {
			return err
		}
		if resp.Type != "create_res" {
			return fmt.Errorf("%v", resp.Content)
		}
		return printJSON(resp.Content)
	},
}

var startCmd = namedCmd("start", "Start a stopped instance", message.TypeStart)
var stopCmd = namedCmd("stop", "Stop a running instance", message.TypeStop)
var destroyCmd = namedCmd("destroy", "Destroy an instance", message.TypeDestroy)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show one instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		resp, err := newClient().Request(&message.NamedRequest{
			Type:          message.TypeInspect,
			ContainerName: name,
		})
		if err != nil {
			return err
		}
		if resp.Type != "inspect_res" {
			return fmt.Errorf("%v", resp.Content)
		}
		return printJSON(resp.Content)
	},
}

var jsonCmd = &cobra.Command{
	Use:   "json",
	Short: "Send a raw JSON control message",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("message")
		out, err := newClient().Send([]byte(raw))
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// namedCmd builds a lifecycle command that carries only a container name
func namedCmd(use, short, msgType string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			resp, err := newClient().Request(&message.NamedRequest{
				Type:          msgType,
				ContainerName: name,
			})
			if err != nil {
				return err
			}
			if resp.Type != msgType+"_res" {
				return fmt.Errorf("%v", resp.Content)
			}
			fmt.Printf("%v\n", resp.Content)
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

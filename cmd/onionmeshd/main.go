// Command onionmeshd runs an onionmesh node, or performs a one-shot
// client action (bootstrap, send, status) against a target. Flag
// parsing and subcommand dispatch are external glue (spec.md §1); the
// RunE bodies below only translate flags into config.Config and calls
// into the node package.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onionmesh/onionmesh/config"
	"github.com/onionmesh/onionmesh/node"
	"github.com/onionmesh/onionmesh/protocol"
	"github.com/onionmesh/onionmesh/statusapi"
)

var (
	flagAddr       string
	flagPort       int
	flagStatusAddr string
	flagSeed       int64
	flagBootstrap  string
	flagTarget     string
	flagRecipient  string
	flagMessage    string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "onionmeshd",
		Short: "onionmesh peer-to-peer anonymous messaging node",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "run a node, optionally bootstrapping through a peer on launch",
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1", "local address advertised in this node's Finger")
	startCmd.Flags().IntVar(&flagPort, "port", 0, "listening port (0 = config default)")
	startCmd.Flags().StringVar(&flagStatusAddr, "status-addr", "", "optional debug/status HTTP listen address")
	startCmd.Flags().Int64Var(&flagSeed, "rand-seed", 0, "fixed randutil seed (0 = seed from crypto/rand)")
	startCmd.Flags().StringVar(&flagBootstrap, "bootstrap", "", "peer addr:port to bootstrap through on launch")

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "one-shot: generate an identity and bootstrap through a peer",
		RunE:  runBootstrap,
	}
	bootstrapCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1", "local address advertised in this node's Finger")
	bootstrapCmd.Flags().IntVar(&flagPort, "port", 0, "local port advertised (need not be reachable for a one-shot run)")
	bootstrapCmd.Flags().StringVar(&flagTarget, "target", "", "peer addr:port to bootstrap through")
	_ = bootstrapCmd.MarkFlagRequired("target")

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "one-shot: bootstrap through a peer, then send a message to a recipient",
		RunE:  runSend,
	}
	sendCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1", "local address advertised in this node's Finger")
	sendCmd.Flags().IntVar(&flagPort, "port", 0, "local port advertised")
	sendCmd.Flags().StringVar(&flagTarget, "target", "", "peer addr:port to bootstrap through")
	sendCmd.Flags().StringVar(&flagRecipient, "recipient-ident", "", "recipient's ident, looked up in the bootstrapped directory")
	sendCmd.Flags().StringVar(&flagMessage, "message", "", "message text")
	_ = sendCmd.MarkFlagRequired("target")
	_ = sendCmd.MarkFlagRequired("recipient-ident")
	_ = sendCmd.MarkFlagRequired("message")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "query a running node's status HTTP surface",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&flagStatusAddr, "status-addr", "", "status HTTP address to query")
	_ = statusCmd.MarkFlagRequired("status-addr")

	root.AddCommand(startCmd, bootstrapCmd, sendCmd, statusCmd)
	return root
}

func baseConfig() config.Config {
	cfg := config.Default()
	if flagPort != 0 {
		cfg.ListeningPort = flagPort
	}
	cfg.RandSeed = flagSeed
	return cfg
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := baseConfig()
	cfg.StatusAddr = flagStatusAddr

	addr := flagAddr
	if addr == "" {
		discovered, err := node.LocalIP()
		if err != nil {
			return fmt.Errorf("discover local address: %w", err)
		}
		addr = discovered
	}

	n, err := node.New(cfg, addr, deliverToLog)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	var status *statusapi.Server
	if cfg.StatusAddr != "" {
		status = statusapi.New(cfg.StatusAddr, n.Self(), n.Space(), n.Manager())
		go func() {
			if err := status.ListenAndServe(); err != nil {
				slog.Error("status server stopped", "err", err)
			}
		}()
	}

	if flagBootstrap != "" {
		if err := n.Bootstrap(flagBootstrap); err != nil {
			slog.Warn("bootstrap on launch failed", "target", flagBootstrap, "err", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if status != nil {
		_ = status.Close()
	}
	n.Stop()
	return nil
}

func deliverToLog(msg protocol.DeliveredMessage) {
	slog.Info("message delivered", "from", msg.Sender.Ident, "text", msg.Text)
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg := baseConfig()
	n, err := node.New(cfg, flagAddr, nil)
	if err != nil {
		return err
	}
	if err := n.Bootstrap(flagTarget); err != nil {
		return err
	}
	fmt.Printf("bootstrapped as %s, directory now holds %d peers\n", n.Self().Ident, n.Space().Len())
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := baseConfig()
	n, err := node.New(cfg, flagAddr, nil)
	if err != nil {
		return err
	}
	if err := n.Bootstrap(flagTarget); err != nil {
		return err
	}
	recipient, ok := n.Space().Get(flagRecipient)
	if !ok {
		return fmt.Errorf("recipient ident %q not found in directory after bootstrap", flagRecipient)
	}
	if err := n.Send(recipient, flagMessage); err != nil {
		return err
	}
	fmt.Println("sent")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+flagStatusAddr+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

// runInteractive is the stub for the excluded interactive terminal
// command loop (spec.md §1 Excluded as external collaborators). A real
// terminal UI would poll stdin and call n.Send/n.Bootstrap directly;
// this core only needs to expose those methods on *node.Node.
func runInteractive(n *node.Node) error {
	return fmt.Errorf("interactive mode is not implemented in this core; use the bootstrap/send/status subcommands")
}

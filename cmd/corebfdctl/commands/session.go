package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Sentinel errors for CLI validation.
var (
	errPeerRequired       = errors.New("--peer flag is required")
	errUnknownSessionType = errors.New("unknown session type, expected single-hop or multi-hop")
	errSessionNotFound    = errors.New("session not found")
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage BFD sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionAddCmd())
	cmd.AddCommand(sessionDeleteCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all BFD sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := cli.list(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(resp.Sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <peer-address-or-discriminator>",
		Short: "Show details of a BFD session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := cli.list(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			s, err := findSession(resp.Sessions, args[0])
			if err != nil {
				return err
			}

			out, err := formatSession(s, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// findSession resolves the identifier argument as either a uint32
// discriminator or a peer IP address string against a session snapshot.
func findSession(sessions []sessionWire, identifier string) (sessionWire, error) {
	if discr, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		for _, s := range sessions {
			if uint64(s.LocalDiscriminator) == discr {
				return s, nil
			}
		}
		return sessionWire{}, fmt.Errorf("discriminator %d: %w", discr, errSessionNotFound)
	}

	for _, s := range sessions {
		if s.PeerAddress == identifier {
			return s, nil
		}
	}
	return sessionWire{}, fmt.Errorf("peer %q: %w", identifier, errSessionNotFound)
}

// --- session add ---

func sessionAddCmd() *cobra.Command {
	var (
		peer       string
		local      string
		iface      string
		vrf        string
		label      string
		sessType   string
		txInterval time.Duration
		rxInterval time.Duration
		echoInterval time.Duration
		detectMult uint8
		echoMode   bool
		trackSLA   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new BFD session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if peer == "" {
				return errPeerRequired
			}

			multiHop, err := parseSessionType(sessType)
			if err != nil {
				return fmt.Errorf("parse session type: %w", err)
			}

			entry := peerWire{
				MultiHop:           multiHop,
				PeerAddress:        peer,
				LocalAddress:       local,
				LocalInterface:     iface,
				VRFName:            vrf,
				DetectMultiplier:   detectMult,
				TransmitIntervalMS: uint32(txInterval.Milliseconds()),
				ReceiveIntervalMS:  uint32(rxInterval.Milliseconds()),
				EchoIntervalMS:     uint32(echoInterval.Milliseconds()),
				EchoMode:           echoMode,
				Label:              label,
				TrackSLA:           trackSLA,
			}

			doc := configDocument{IPv4: []peerWire{entry}}
			resp, err := cli.apply(cmd.Context(), doc)
			if err != nil {
				return fmt.Errorf("add session: %w", err)
			}

			return printResults(resp.Results)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&peer, "peer", "", "peer IP address (required)")
	flags.StringVar(&local, "local", "", "local IP address")
	flags.StringVar(&iface, "interface", "", "network interface name (single-hop only)")
	flags.StringVar(&vrf, "vrf", "", "VRF name (multi-hop only)")
	flags.StringVar(&label, "label", "", "process-wide-unique session alias")
	flags.StringVar(&sessType, "type", "single-hop", "session type: single-hop or multi-hop")
	flags.DurationVar(&txInterval, "tx-interval", 300*time.Millisecond, "desired minimum TX interval")
	flags.DurationVar(&rxInterval, "rx-interval", 300*time.Millisecond, "required minimum RX interval")
	flags.DurationVar(&echoInterval, "echo-interval", 50*time.Millisecond, "required minimum echo interval")
	flags.Uint8Var(&detectMult, "detect-mult", 3, "detection multiplier (RFC 5880 Section 6.1)")
	flags.BoolVar(&echoMode, "echo", false, "enable the echo function (RFC 9747)")
	flags.BoolVar(&trackSLA, "track-sla", false, "enable latency/jitter/loss sampling")

	return cmd
}

// parseSessionType converts a CLI string to the multi_hop boolean the wire
// protocol uses.
func parseSessionType(s string) (bool, error) {
	switch s {
	case "single-hop":
		return false, nil
	case "multi-hop":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", errUnknownSessionType, s)
	}
}

// --- session delete ---

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <peer-address>",
		Short: "Delete a BFD session by peer address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := peerWire{PeerAddress: args[0], Delete: true}
			doc := configDocument{IPv4: []peerWire{entry}}

			resp, err := cli.apply(cmd.Context(), doc)
			if err != nil {
				return fmt.Errorf("delete session: %w", err)
			}

			return printResults(resp.Results)
		},
	}
}

// printResults reports each entryResult, returning an error if any failed.
func printResults(results []entryResult) error {
	var failed int
	for _, r := range results {
		if r.Status == statusOK {
			fmt.Printf("%s: ok\n", r.PeerAddress)
			continue
		}
		failed++
		fmt.Printf("%s: error: %s\n", r.PeerAddress, r.Error)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(results))
	}
	return nil
}

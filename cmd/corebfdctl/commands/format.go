package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of BFD sessions in the requested format.
func formatSessions(sessions []sessionWire, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single BFD session in the requested format.
func formatSession(s sessionWire, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(s)
	case formatTable:
		return formatSessionDetail(s), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a notify event in the requested format.
func formatEvent(event notifyWire, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// --- Table formatters ---

func formatSessionsTable(sessions []sessionWire) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISCRIMINATOR\tPEER\tLOCAL\tTYPE\tSTATE\tLABEL")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.LocalDiscriminator,
			s.PeerAddress,
			s.LocalAddress,
			sessionTypeString(s.MultiHop),
			s.State,
			labelOrDash(s.Label),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s sessionWire) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Peer Address:\t%s\n", s.PeerAddress)
	fmt.Fprintf(w, "Local Address:\t%s\n", s.LocalAddress)
	if s.LocalInterface != "" {
		fmt.Fprintf(w, "Interface:\t%s\n", s.LocalInterface)
	}
	if s.VRFName != "" {
		fmt.Fprintf(w, "VRF:\t%s\n", s.VRFName)
	}
	fmt.Fprintf(w, "Type:\t%s\n", sessionTypeString(s.MultiHop))
	fmt.Fprintf(w, "State:\t%s\n", s.State)
	fmt.Fprintf(w, "Local Discriminator:\t%d\n", s.LocalDiscriminator)
	fmt.Fprintf(w, "Remote Discriminator:\t%d\n", s.RemoteDiscriminator)
	if s.Label != "" {
		fmt.Fprintf(w, "Label:\t%s\n", s.Label)
	}
	if s.UptimeSeconds > 0 {
		fmt.Fprintf(w, "Uptime (s):\t%.1f\n", s.UptimeSeconds)
	}

	w.Flush() //nolint:errcheck // buffer writer, cannot fail

	return buf.String()
}

func formatEventTable(event notifyWire) string {
	return fmt.Sprintf("op=%s peer=%s label=%s state=%s discr=%d remote_discr=%d",
		event.Op,
		labelOrDash(event.PeerAddress),
		labelOrDash(event.Label),
		labelOrDash(event.State),
		event.LocalDiscr,
		event.RemoteDiscr,
	)
}

func sessionTypeString(multiHop bool) string {
	if multiHop {
		return "multi-hop"
	}
	return "single-hop"
}

func labelOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

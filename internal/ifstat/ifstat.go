// Package ifstat reads SocketCAN interface statistics from iproute2. The
// kernel exposes bitrate, bus state and error counters through
// `ip -details -statistics link show`, which has no direct syscall
// equivalent for CAN-specific fields.
package ifstat

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"can-gateway/internal/models"
)

// Probe fetches current statistics for one interface.
func Probe(ifname string) (*models.InterfaceStats, error) {
	cmd := exec.Command("ip", "-details", "-statistics", "link", "show", ifname)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ifstat: ip link show %s: %w (output: %s)", ifname, err, string(output))
	}
	return parseIPOutput(string(output)), nil
}

var (
	reFlags       = regexp.MustCompile(`<([^>]+)>`)
	reBitrate     = regexp.MustCompile(`bitrate (\d+)`)
	reBusState    = regexp.MustCompile(`state ([A-Z-]+)`)
	reBerrCounter = regexp.MustCompile(`berr-counter tx (\d+) rx (\d+)`)
	reRestartMS   = regexp.MustCompile(`restart-ms (\d+)`)
	reRestarted   = regexp.MustCompile(`re-started (\d+)`)
)

// parseIPOutput extracts the reported fields from ip's text output.
func parseIPOutput(output string) *models.InterfaceStats {
	stats := &models.InterfaceStats{}
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)

		if i == 0 {
			if m := reFlags.FindStringSubmatch(line); len(m) > 1 {
				if strings.Contains(m[1], "UP") {
					stats.State = "UP"
				} else {
					stats.State = "DOWN"
				}
			}
		}

		if strings.Contains(line, "bitrate") {
			if m := reBitrate.FindStringSubmatch(line); len(m) > 1 {
				stats.Bitrate, _ = strconv.Atoi(m[1])
			}
		}

		if strings.Contains(line, "can state") {
			if m := reBusState.FindStringSubmatch(line); len(m) > 1 {
				stats.BusState = m[1]
			}
			if m := reBerrCounter.FindStringSubmatch(line); len(m) > 2 {
				stats.TXErrorCounter, _ = strconv.Atoi(m[1])
				stats.RXErrorCounter, _ = strconv.Atoi(m[2])
			}
			if m := reRestartMS.FindStringSubmatch(line); len(m) > 1 {
				stats.RestartMS, _ = strconv.Atoi(m[1])
			}
		}

		// RX/TX counter tables: header line, values on the next line.
		if strings.HasPrefix(line, "RX:") && i+1 < len(lines) {
			f := strings.Fields(lines[i+1])
			if len(f) >= 3 {
				stats.RXPackets, _ = strconv.ParseUint(f[1], 10, 64)
				stats.RXErrors, _ = strconv.ParseUint(f[2], 10, 64)
			}
		}
		if strings.HasPrefix(line, "TX:") && i+1 < len(lines) {
			f := strings.Fields(lines[i+1])
			if len(f) >= 3 {
				stats.TXPackets, _ = strconv.ParseUint(f[1], 10, 64)
				stats.TXErrors, _ = strconv.ParseUint(f[2], 10, 64)
			}
		}

		if m := reRestarted.FindStringSubmatch(line); len(m) > 1 {
			stats.BusOffRestarts, _ = strconv.ParseUint(m[1], 10, 64)
		}
	}

	return stats
}

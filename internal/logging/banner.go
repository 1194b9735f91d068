package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mdp/qrterminal/v3"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	dim    = "\033[2m"
)

// logoLines is the Paseo ASCII art logo printed on daemon startup.
var logoLines = [6]string{
	`  ____                       `,
	` |  _ \ __ _ ___  ___  ___   `,
	` | |_) / _` + "`" + ` / __|/ _ \/ _ \  `,
	` |  __/ (_| \__ \  __/ (_) | `,
	` |_|   \__,_|___/\___|\___/  `,
	`                              `,
}

// PrintBanner prints the Paseo ASCII art logo. Below the art it prints
// the version and the daemon's serverId. Colors are used only when
// stderr is a TTY.
func PrintBanner(ver, serverID string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sserverId%s %s\n\n",
			dim, reset, ver, dim, reset, serverID)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   serverId %s\n\n", ver, serverID)
	}
}

// PrintPairingOffer prints a pairing offer URL and, on a TTY, a scannable
// QR code. The fragment half of the URL (the trust anchor) is never sent
// anywhere but the terminal.
func PrintPairingOffer(offerURL string) {
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	if isTTY {
		fmt.Fprintf(os.Stderr, "  %s%s➜ pair%s  %s%s%s\n\n", bold, green, reset, bold, offerURL, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  pair: %s\n\n", offerURL)
	}

	if isTTY {
		qrterminal.GenerateWithConfig(offerURL, qrterminal.Config{
			Level:          qrterminal.L,
			Writer:         os.Stderr,
			QuietZone:      1,
			HalfBlocks:     true,
			BlackChar:      qrterminal.BLACK_BLACK,
			WhiteChar:      qrterminal.WHITE_WHITE,
			BlackWhiteChar: qrterminal.BLACK_WHITE,
			WhiteBlackChar: qrterminal.WHITE_BLACK,
		})
		fmt.Fprintln(os.Stderr)
	}
}

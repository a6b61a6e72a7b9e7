// Package cmd is the lockstep command line: a rendezvous server and a headless player.
package cmd

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport/quictransport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	verbosity int
	useQUIC   bool
)

var rootCmd = &cobra.Command{
	Use:   "lockstep",
	Short: "Lockstep - peer-to-peer input sharing for multiplayer games",
	Long: `Lockstep connects players directly to one another after they authenticate against a rendezvous server.

Use 'lockstep rendezvous' to host the rendezvous server and 'lockstep player' to run a headless player.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "log more (-v for info, -vv for debug)")
	rootCmd.PersistentFlags().BoolVar(&useQUIC, "quic", false, "carry packets over QUIC instead of bare UDP")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// newLogger returns a console logger for the named component at the level selected by --verbose.
func newLogger(component string) zerolog.Logger {
	lvl := zerolog.WarnLevel
	switch {
	case verbosity >= 2:
		lvl = zerolog.DebugLevel
	case verbosity == 1:
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"component", "peer"},
		TimeFormat:  "15:04:05",
	}).With().
		Str("component", component).
		Timestamp().
		Caller().
		Logger().Level(lvl)
}

// openTransport binds a UDP socket at addr and wraps it in the transport selected by --quic.
func openTransport(addr string, l *zerolog.Logger) (transport.Transport, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("bad listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, err
	}
	if useQUIC {
		tr, err := quictransport.New(conn, quictransport.WithLogger(l))
		if err != nil {
			conn.Close()
			return nil, err
		}
		return tr, nil
	}
	return transport.New(conn, transport.WithLogger(l)), nil
}

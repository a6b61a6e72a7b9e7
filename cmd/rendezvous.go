package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep/rendezvous"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	rdvAddr       string
	rdvStatusAddr string
	rdvDB         string
	rdvCost       int
)

var rendezvousCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "Start the rendezvous server",
	Long: `Start the rendezvous server that authenticates players, hands out peer lists, and mediates direct connections.

Accounts are created on first login. Without --db they only live as long as the process.`,
	Args: cobra.NoArgs,
	RunE: runRendezvous,
}

func init() {
	rendezvousCmd.Flags().StringVarP(&rdvAddr, "addr", "a", "0.0.0.0:7400", "UDP address to serve players on")
	rendezvousCmd.Flags().StringVar(&rdvStatusAddr, "status-addr", "127.0.0.1:7401", "HTTP address for /status and /metrics (empty to disable)")
	rendezvousCmd.Flags().StringVar(&rdvDB, "db", "", "SQLite file to persist accounts in")
	rendezvousCmd.Flags().IntVar(&rdvCost, "cost", bcrypt.DefaultCost, "bcrypt cost for stored credentials")

	rootCmd.AddCommand(rendezvousCmd)
}

func runRendezvous(cmd *cobra.Command, _ []string) error {
	l := newLogger("rendezvous")
	trLog := l.With().Str("component", "transport").Logger()

	var store rendezvous.Store = rendezvous.NewMemStore(rdvCost)
	if rdvDB != "" {
		s, err := rendezvous.OpenSQLite(rdvDB, rdvCost)
		if err != nil {
			return err
		}
		store = s
	}
	defer store.Close()

	tr, err := openTransport(rdvAddr, &trLog)
	if err != nil {
		return err
	}
	defer tr.Close()

	srv, err := rendezvous.New(tr, store, rendezvous.WithLogger(&l))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rdvStatusAddr != "" {
		hs := &http.Server{Addr: rdvStatusAddr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			l.Info().Str("address", rdvStatusAddr).Msg("serving status")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error().Err(err).Msg("status server died")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			hs.Shutdown(sctx)
		}()
	}

	l.Info().Func(srv.Zerolog).Msg("rendezvous server up")
	return srv.Serve(ctx)
}

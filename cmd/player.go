package cmd

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/session"
	"github.com/rflandau/Lockstep/pkg/lockstep/world"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	plAddr     string
	plServer   string
	plUser     string
	plPassword string
	plObjects  int
	plTick     time.Duration
	plWander   time.Duration
)

var playerCmd = &cobra.Command{
	Use:   "player",
	Short: "Run a headless player",
	Long: `Run a headless player that logs in, connects to every peer the rendezvous server knows of, and shares a few
objects and inputs with them.

Without --user a random username is picked.`,
	Args: cobra.NoArgs,
	RunE: runPlayer,
}

func init() {
	playerCmd.Flags().StringVarP(&plAddr, "addr", "a", "0.0.0.0:0", "UDP address to bind")
	playerCmd.Flags().StringVarP(&plServer, "server", "s", "127.0.0.1:7400", "rendezvous server address")
	playerCmd.Flags().StringVarP(&plUser, "user", "u", "", "account username")
	playerCmd.Flags().StringVarP(&plPassword, "password", "p", "", "account password")
	playerCmd.Flags().IntVar(&plObjects, "objects", 2, "number of objects this player owns")
	playerCmd.Flags().DurationVar(&plTick, "tick", 10*time.Millisecond, "session tick interval")
	playerCmd.Flags().DurationVar(&plWander, "wander", time.Second, "how often to capture a random movement input (0 to stay still)")

	rootCmd.AddCommand(playerCmd)
}

func runPlayer(cmd *cobra.Command, _ []string) error {
	l := newLogger("player")
	trLog := l.With().Str("component", "transport").Logger()

	server, err := netip.ParseAddrPort(plServer)
	if err != nil {
		return err
	}
	if plUser == "" {
		plUser = randomdata.SillyName()
	}

	objects := world.New()
	owned := seedObjects(objects, plObjects)
	sim := world.NewSim()

	tr, err := openTransport(plAddr, &trLog)
	if err != nil {
		return err
	}
	defer tr.Close()

	s, err := session.New(tr, server,
		session.WithLogger(&l),
		session.WithObjects(objects),
		session.WithSimulation(sim))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lctx, cancel := context.WithTimeout(ctx, session.DefaultRegisterTimeout+time.Second)
	reg, err := s.Login(lctx, plUser, plPassword)
	cancel()
	if err != nil {
		return err
	}
	l.Info().Str("username", plUser).Uint32("id", reg.ID).Str("external", reg.External.String()).
		Int("bundled peers", reg.Peers).Msg("logged in")

	tick := time.NewTicker(plTick)
	defer tick.Stop()
	var wander <-chan time.Time
	if plWander > 0 && len(owned) > 0 {
		t := time.NewTicker(plWander)
		defer t.Stop()
		wander = t.C
	}
	for {
		select {
		case <-ctx.Done():
			now := protocol.TimeMod(time.Now())
			for _, id := range owned {
				if e, found := s.NearestInput(id, now); found {
					l.Info().Func(e.Zerolog).Msg("last input")
				}
			}
			l.Info().Int("objects", objects.Len()).Int("inputs applied", sim.Applied()).Msg("shutting down")
			return nil
		case <-wander:
			e := inputlog.Entry{
				ObjectID:  owned[randomdata.Number(len(owned))],
				Type:      inputlog.TypeMovement,
				Timestamp: protocol.TimeMod(time.Now()),
				Movement:  [2]float32{randomAxis(), randomAxis()},
			}
			if err := s.CaptureInput(e); err != nil {
				l.Warn().Err(err).Func(e.Zerolog).Msg("failed to capture input")
			}
		case <-tick.C:
			if err := s.Tick(); err != nil {
				if errors.Is(err, session.ErrClosed) {
					return nil
				}
				return err
			}
			drainEvents(&l, s)
		}
	}
}

// seedObjects inserts n randomly named objects into t and returns their ids.
func seedObjects(t *world.Table, n int) []lockstep.ObjectID {
	ids := make([]lockstep.ObjectID, 0, n)
	for len(ids) < n {
		id := lockstep.ObjectID(randomdata.Number(1, 1<<30))
		if t.Has(id) {
			continue
		}
		if err := t.Insert(id, []byte(randomdata.Noun()), 1); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func randomAxis() float32 {
	return float32(randomdata.Number(-100, 101)) / 100
}

func drainEvents(l *zerolog.Logger, s *session.Session) {
	for {
		select {
		case ev := <-s.Events():
			e := l.Info().Str("event", ev.Type.String())
			if ev.Peer != 0 {
				e = e.Uint32("peer", ev.Peer)
			}
			if ev.Err != nil {
				e = e.Err(ev.Err)
			}
			e.Str("state", s.State().String()).Msg("session event")
		default:
			return
		}
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/rudransh-shrivastava/peerdrop/internal/transfer"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const connectTimeout = 30 * time.Second

type peerFlags struct {
	id   string
	peer string
}

func (p *peerFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&p.id, "id", uuid.NewString(), "identifier to join the relay under")
	c.Flags().StringVar(&p.peer, "peer", "", "identifier of the other peer")
	_ = c.MarkFlagRequired("peer")
}

func newServeCmd(g *globals) *cobra.Command {
	var pf peerFlags

	c := &cobra.Command{
		Use:   "serve",
		Short: "connect to a peer and serve its requests",
		Long:  `connects to a peer through the relay and answers its file requests until either side closes`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := newNode(cfg, log, st)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.WithFields(logrus.Fields{"id": pf.id, "peer": pf.peer}).Info("Waiting for peer")
			s, err := n.Connect(ctx, pf.id, pf.peer)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.WaitConnected(ctx); err != nil {
				return err
			}
			log.Info("Serving requests")

			if err := s.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("Session closed")
			return nil
		},
	}
	pf.register(c)
	return c
}

func newFetchCmd(g *globals) *cobra.Command {
	var (
		pf         peerFlags
		descriptor string
		hash       string
		start      int64
		resume     bool
	)

	c := &cobra.Command{
		Use:   "fetch",
		Short: "download a file from a peer",
		Long: `connects to a peer through the relay and downloads a file by its descriptor.
--hash looks the descriptor up in the local index or among interrupted downloads instead,
--resume continues an interrupted download.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (descriptor == "") == (hash == "") {
				return errors.New("exactly one of --descriptor or --hash is required")
			}

			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var d protocol.FileDescriptor
			if descriptor != "" {
				d, err = readDescriptor(descriptor)
			} else {
				d, err = resolveHash(ctx, st, hash)
			}
			if err != nil {
				return err
			}
			if resume {
				if start, err = st.Partial(d); err != nil {
					return err
				}
				log.WithField("start", start).Info("Resuming download")
			}

			n, err := newNode(cfg, log, st)
			if err != nil {
				return err
			}

			connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			s, err := n.Connect(connectCtx, pf.id, pf.peer)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.WaitConnected(connectCtx); err != nil {
				return fmt.Errorf("connecting to %s: %w", pf.peer, err)
			}

			bar := progressbar.DefaultBytes(d.Size-start, "downloading "+d.Name)
			s.OnProgress(func(received, expected int64) {
				_ = bar.Set64(received)
			})

			results := make(chan transfer.Result, 1)
			if err := s.RequestFile(d, start, func(r transfer.Result) { results <- r }); err != nil {
				return err
			}

			select {
			case r := <-results:
				_ = bar.Finish()
				if !r.OK() {
					return fmt.Errorf("download failed after %s: %w", humanize.Bytes(uint64(r.SuccessfulBytes)), r.Err)
				}
				log.WithFields(logrus.Fields{
					"file":    d.Name,
					"bytes":   r.SuccessfulBytes,
					"elapsed": r.Elapsed,
				}).Info("Download complete")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	pf.register(c)
	c.Flags().StringVarP(&descriptor, "descriptor", "d", "", "descriptor file written by store")
	c.Flags().StringVar(&hash, "hash", "", "hash of a stored object or of an interrupted download")
	c.Flags().Int64Var(&start, "start", 0, "byte offset to start from")
	c.Flags().BoolVar(&resume, "resume", false, "start from the bytes kept by an interrupted download")
	return c
}

// resolveHash finds the descriptor for hash, falling back to the one kept by
// an interrupted download.
func resolveHash(ctx context.Context, st *store.Store, hash string) (protocol.FileDescriptor, error) {
	d, err := st.Lookup(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return st.Pending(hash)
	}
	return d, err
}

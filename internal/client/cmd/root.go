package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/peerdrop/internal/config"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
	"github.com/rudransh-shrivastava/peerdrop/internal/node"
	"github.com/rudransh-shrivastava/peerdrop/internal/protocol"
	"github.com/rudransh-shrivastava/peerdrop/internal/store"
	"github.com/rudransh-shrivastava/peerdrop/internal/transfer"
	"github.com/rudransh-shrivastava/peerdrop/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// globals are the persistent flags every command shares.
type globals struct {
	configPath string
	logLevel   string
	storeDir   string
}

func NewRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           `peerdrop`,
		Long:          `peerdrop is a peer to peer file transfer application over WebRTC data channels`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "path to a config file")
	flags.StringVar(&g.logLevel, "log-level", "", "log level, overrides log.level")
	flags.StringVar(&g.storeDir, "store", "", "store directory, overrides store.dir")

	root.AddCommand(
		newRelayCmd(g),
		newStoreCmd(g),
		newListCmd(g),
		newHaveCmd(g),
		newServeCmd(g),
		newFetchCmd(g),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		logger.NewLogger().Fatal(err)
	}
}

// load reads the config and applies flag overrides. Logs go to stderr so
// stdout stays clean for command output.
func (g *globals) load(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.storeDir != "" {
		cfg.Store.Dir = g.storeDir
	}
	return cfg, logger.New(cmd.ErrOrStderr(), cfg.Log.Level), nil
}

func openStore(cfg *config.Config, log *logrus.Logger) (*store.Store, error) {
	return store.New(store.Options{Dir: cfg.Store.Dir, Logger: log})
}

func newNode(cfg *config.Config, log *logrus.Logger, st *store.Store) (*node.Node, error) {
	return node.New(node.Options{
		Store:     st,
		Signaling: node.RelaySignaling{URL: cfg.Signaling.URL, Logger: log},
		PeerConnections: webrtc.New(webrtc.Options{
			STUNServers: cfg.ICE.STUNServers,
			Logger:      log,
		}),
		Transfer: transfer.Options{
			ChunkSize:     cfg.Transfer.ChunkSize,
			HighWaterMark: cfg.Transfer.HighWaterMark,
			BinaryPackets: cfg.Transfer.BinaryPackets,
			Logger:        log,
		},
		InboundBuffer: cfg.Transfer.InboundBuffer,
		Logger:        log,
	})
}

func readDescriptor(path string) (protocol.FileDescriptor, error) {
	var d protocol.FileDescriptor

	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	return d, d.Validate()
}

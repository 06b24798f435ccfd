package commands

import (
	"bufio"
	"fmt"
	"os"

	"github.com/arosloff/streamlet-transparency-logging/src/crypto/keys"
	"github.com/arosloff/streamlet-transparency-logging/src/net"
	"github.com/arosloff/streamlet-transparency-logging/src/node"
	"github.com/arosloff/streamlet-transparency-logging/src/service"
	"github.com/arosloff/streamlet-transparency-logging/src/validators"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a streamlet network
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a local validator network",
		PreRunE: loadConfig,
		RunE:    runStreamlet,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

// runStreamlet starts _config.Validators nodes joined to one in-memory hub.
// The first node reads its key from the datadir; the others run on ephemeral
// keys. The HTTP service and stdin are attached to the first node.
func runStreamlet(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	key, err := keys.NewSimpleKeyfile(_config.Keyfile()).ReadKey()
	if err != nil {
		return fmt.Errorf("Reading %s: %s. Run 'streamlet keygen' first", _config.Keyfile(), err)
	}

	hub := net.NewInmemHub()

	nodes := make([]*node.Node, _config.Validators)
	for i := range nodes {
		nodeKey := key
		moniker := _config.Moniker
		if i > 0 {
			nodeKey, err = keys.GenerateECDSAKey()
			if err != nil {
				return fmt.Errorf("Generating ephemeral key: %s", err)
			}
			moniker = fmt.Sprintf("%s-%d", _config.Moniker, i)
		}

		trans := hub.Join(net.NewInmemAddr())

		n, err := node.NewNode(_config, validators.NewValidator(nodeKey, moniker), trans)
		if err != nil {
			return fmt.Errorf("Creating node %d: %s", i, err)
		}

		nodes[i] = n
	}

	for _, n := range nodes {
		n.RunAsync()
	}

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, nodes[0], logger)
		go serviceServer.Serve()
	}

	// Feed stdin to the first node. Type 'end discovery' to start consensus;
	// any other line is queued as block payload.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			nodes[0].InputCh() <- scanner.Text()
		}
	}()

	nodes[0].Run()

	for _, n := range nodes[1:] {
		n.Shutdown()
	}

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-dir", _config.LogDir, "Directory for per-level log files")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Consensus
	cmd.Flags().Int("validators", _config.Validators, "Expected number of validators")
	cmd.Flags().Duration("epoch", _config.EpochDuration, "Fixed epoch duration")
	cmd.Flags().Duration("init-delay", _config.InitDelay, "Delay before the first key advertisement")
	cmd.Flags().Uint64("orphan-ttl", _config.OrphanTTL, "Epochs to buffer blocks with unknown parents")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":       _config.DataDir,
		"LogLevel":      _config.LogLevel,
		"LogDir":        _config.LogDir,
		"Moniker":       _config.Moniker,
		"Validators":    _config.Validators,
		"EpochDuration": _config.EpochDuration,
		"InitDelay":     _config.InitDelay,
		"OrphanTTL":     _config.OrphanTTL,
		"NoService":     _config.NoService,
		"ServiceAddr":   _config.ServiceAddr,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/streamlet.toml (.json, .yaml also work)
	viper.SetConfigName("streamlet")    // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

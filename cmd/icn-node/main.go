// Command icn-node runs a single federation node: mesh transport, WASM
// runtime, mana ledger, reputation engine, and the HTTP/WebSocket API.
// Grounded on the teacher's cmd/synnergy/main.go cobra root-command
// structure (PersistentFlags for config selection, one subcommand per
// daemon mode) and pkg/config's viper-backed Load.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/intercooperative/planetary-mesh/core"
	"github.com/intercooperative/planetary-mesh/httpapi"
	"github.com/intercooperative/planetary-mesh/pkg/config"
	"github.com/intercooperative/planetary-mesh/pkg/utils"
)

var (
	envFlag     string
	keyFileFlag string
)

func main() {
	root := &cobra.Command{
		Use:   "icn-node",
		Short: "Run an ICN planetary mesh execution pipeline node",
	}
	root.PersistentFlags().StringVar(&envFlag, "env", "", "environment overlay config name (e.g. production)")
	root.PersistentFlags().StringVar(&keyFileFlag, "key-file", "", "path to this node's raw ed25519 private key (generated if absent)")

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("icn-node: fatal error")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(envFlag)
	if err != nil {
		return fmt.Errorf("icn-node: load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logrus.SetOutput(f)
		} else {
			logrus.WithError(err).Warn("icn-node: could not open log file, logging to stderr")
		}
	}

	_, priv, err := loadOrGenerateKey(keyFileFlag)
	if err != nil {
		return fmt.Errorf("icn-node: node identity: %w", err)
	}
	selfDID, err := core.PubKeyToDID(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return fmt.Errorf("icn-node: derive did: %w", err)
	}
	logrus.WithField("did", selfDID).Info("icn-node: node identity established")

	dag, err := core.NewDagStore(cfg.Storage.DAGPath)
	if err != nil {
		return fmt.Errorf("icn-node: open dag store: %w", err)
	}
	defer dag.Close()

	repEngine := core.NewEngine(core.ReputationConfig{
		Slope:          cfg.Reputation.SigmoidSlope,
		Midpoint:       cfg.Reputation.SigmoidMidpoint,
		MaxDelta:       10,
		FailurePenalty: cfg.Reputation.PenaltyFactor,
	})

	manaLedger := core.NewManaLedger(core.ManaConfig{
		BaseRate:       cfg.Mana.BaseRate,
		Cap:            cfg.Mana.Cap,
		BurstThreshold: cfg.Mana.BurstThreshold,
		CooldownK:      cfg.Mana.CooldownK,
	}, repEngine)

	enforcer := core.NewEnforcer(core.Policy{Name: "default", MaxQuota: 0, MaxRatePerWindow: 0})

	evaluator := core.NewEvaluator(core.BidWeights{
		Price:       cfg.BidWeights.Price,
		ResourceFit: cfg.BidWeights.Resources,
		Reputation:  cfg.BidWeights.Reputation,
		Timeliness:  cfg.BidWeights.Timeliness,
	}, repEngine, cfg.BidWeights.MinReputationForCritical)

	mesh, err := core.NewMesh(core.MeshConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
		JobTopicTTL:    time.Duration(cfg.Network.TTLJobTopicHrs) * time.Hour,
	}, dag)
	if err != nil {
		return fmt.Errorf("icn-node: start mesh: %w", err)
	}
	defer mesh.Close()

	kv := core.NewMemKV()
	runtime := core.NewRuntime(dag, manaLedger, enforcer, kv, priv)

	orchestrator := core.NewOrchestrator(mesh, evaluator, runtime, manaLedger, enforcer, repEngine, dag, selfDID, priv, core.OrchestratorConfig{
		FederationID:      cfg.Network.FederationID,
		BidWindow:         10 * time.Second,
		MinBids:           1,
		AssignmentTimeout: 15 * time.Second,
		ReceiptTimeout:    5 * time.Minute,
		FuelPerMana:       1000,
	})

	server := httpapi.NewServer(cfg.HTTP.ListenAddr, orchestrator, dag, repEngine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Start(); err != nil {
			logrus.WithError(err).Warn("icn-node: http server stopped")
		}
	}()

	announceCh, err := mesh.Subscribe(core.TopicJobAnnounce(cfg.Network.FederationID))
	if err != nil {
		return fmt.Errorf("icn-node: subscribe job announcements: %w", err)
	}
	go watchAnnouncements(ctx, announceCh, server)

	bidDivisor := utils.EnvOrDefaultInt("ICN_BID_DIVISOR", 2)
	minAcceptableBid := utils.EnvOrDefaultUint64("ICN_MIN_ACCEPTABLE_BID", 1)
	bidFunc := newDefaultBidFunc(bidDivisor, minAcceptableBid)

	go func() {
		if err := orchestrator.RunExecutorLoop(ctx, bidFunc, wasmFetcherFor(dag), jobInputFetcherFor(dag)); err != nil {
			logrus.WithError(err).Warn("icn-node: executor loop stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("icn-node: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func loadOrGenerateKey(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if path == "" {
		return core.GenerateKey()
	}
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(data)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	pub, priv, err := core.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	if werr := os.WriteFile(path, priv, 0o600); werr != nil {
		logrus.WithError(werr).Warn("icn-node: could not persist generated key")
	}
	return pub, priv, nil
}

// watchAnnouncements feeds every job announcement this node observes on the
// mesh into the HTTP server's "available jobs" listing, independent of
// whether the executor loop decides to bid on it.
func watchAnnouncements(ctx context.Context, ch <-chan core.MeshMessage, server *httpapi.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			announcement, err := core.DecodeJobAnnouncement(msg.Data)
			if err != nil {
				logrus.WithError(err).Debug("icn-node: dropping undecodable job announcement")
				continue
			}
			server.RecordAnnouncement(announcement.Params)
		}
	}
}

// newDefaultBidFunc returns a conservative executor bidding strategy: bid
// params.MaxBid/divisor (never below minAcceptableBid), claiming exactly the
// job's required resources. Declines jobs whose MaxBid can't clear
// minAcceptableBid.
func newDefaultBidFunc(divisor int, minAcceptableBid uint64) core.BidFunc {
	if divisor <= 0 {
		divisor = 1
	}
	return func(params core.MeshJobParams) (uint64, core.ResourceSpec, bool) {
		if params.MaxBid < minAcceptableBid {
			return 0, core.ResourceSpec{}, false
		}
		price := params.MaxBid / uint64(divisor)
		if price < minAcceptableBid {
			price = minAcceptableBid
		}
		return price, params.RequiredResources, true
	}
}

// wasmFetcherFor resolves a stage's WasmCID against the local DAG store; in
// this single-node reference deployment, WASM modules are anchored into the
// DAG before a job is announced.
func wasmFetcherFor(dag *core.DagStore) func(cidStr string) ([]byte, error) {
	return func(cidStr string) ([]byte, error) {
		node, ok := dag.Get(cidStr)
		if !ok {
			return nil, fmt.Errorf("icn-node: wasm module %s not found in dag", cidStr)
		}
		return node.ContentBytes, nil
	}
}

// jobInputFetcherFor resolves a job's input payload against the local DAG
// store, keyed by the job's own CID.
func jobInputFetcherFor(dag *core.DagStore) func(jobCID string) ([]byte, error) {
	return func(jobCID string) ([]byte, error) {
		node, ok := dag.Get(jobCID)
		if !ok {
			return nil, fmt.Errorf("icn-node: job input %s not found in dag", jobCID)
		}
		return node.ContentBytes, nil
	}
}

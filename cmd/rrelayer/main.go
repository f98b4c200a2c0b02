// Command rrelayer runs the relayer service: it loads a YAML
// configuration file, wires the wallet manager, gas estimators, EVM
// providers, persistence, webhook dispatcher, and queue supervisor
// described in it, then serves the REST API and Prometheus metrics
// until signalled to stop.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	glog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/config"
	"github.com/rrelayer/rrelayer-go/internal/gas"
	"github.com/rrelayer/rrelayer-go/internal/httpapi"
	"github.com/rrelayer/rrelayer-go/internal/metrics"
	"github.com/rrelayer/rrelayer-go/internal/provider"
	"github.com/rrelayer/rrelayer-go/internal/queue"
	"github.com/rrelayer/rrelayer-go/internal/signer"
	"github.com/rrelayer/rrelayer-go/internal/store"
	"github.com/rrelayer/rrelayer-go/internal/webhook"
)

func main() {
	app := &cli.App{
		Name:  "rrelayer",
		Usage: "transaction relayer service for EVM-compatible chains",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "rrelayer.yaml",
				Usage:   "path to the YAML configuration file",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		glog.Error("rrelayer exited with error", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	glog.Info("rrelayer starting", "config", c.String("config"), "networks", len(cfg.Networks), "relayers", len(cfg.Relayers))

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sig, err := buildSigner(cfg.Signer)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}

	providers := newProviderSet()
	networks := make(map[uint64]queue.Network)
	estimators := make(map[uint64]gas.Estimator)
	wsURLs := make(map[uint64]string)

	for _, n := range cfg.Networks {
		networks[n.ChainID] = queue.Network{
			ChainID:               n.ChainID,
			ConfirmationsRequired: n.ConfirmationsRequired,
			GasBumpInterval:       n.GasBumpInterval,
			SupportsBlobs:         n.SupportsBlobs,
		}

		var dialErr error
		var chainProvider *provider.Provider
		for _, url := range n.ProviderURLs {
			chainProvider, dialErr = provider.Dial(n.ChainID, url)
			if dialErr == nil {
				break
			}
			glog.Warn("rrelayer: provider dial failed, trying next url", "chain", n.ChainID, "url", url, "err", dialErr)
		}
		if dialErr != nil {
			return fmt.Errorf("dial chain %d: %w", n.ChainID, dialErr)
		}
		providers.set(n.ChainID, chainProvider)
		estimators[n.ChainID] = buildEstimator(n, chainProvider)
		if n.NewHeadsWSURL != "" {
			wsURLs[n.ChainID] = n.NewHeadsWSURL
		}
	}

	gasEstimator := &combinedEstimator{byChain: estimators}

	seedRelayers(context.Background(), st, cfg.Relayers, sig)

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	dispatcher := webhook.New(webhook.Config{
		InitialDelay:    cfg.Webhooks.InitialDelay,
		Multiplier:      cfg.Webhooks.Multiplier,
		MaxDelay:        cfg.Webhooks.MaxDelay,
		MaxRetries:      cfg.Webhooks.MaxRetries,
		RetryTick:       cfg.Webhooks.RetryTick,
		CleanupTick:     cfg.Webhooks.CleanupTick,
		DBPruneTick:     cfg.Webhooks.DBPruneTick,
		RetentionWindow: cfg.Webhooks.RetentionWindow,
	}, st, endpointResolver(cfg, st)).WithMetrics(metricsRegistry)

	supervisor := queue.NewSupervisor(st, providers, gasEstimator, sig, dispatcher, networks).WithMetrics(metricsRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor = supervisor.WithNewHeadSource(newHeadSource(ctx, wsURLs))

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	go dispatcher.Run(ctx)

	api := httpapi.New(supervisor, st, sig)
	httpServer := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: api, ReadHeaderTimeout: httpapi.Timeout()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Error("rrelayer: http server failed", "err", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				glog.Error("rrelayer: metrics server failed", "err", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	glog.Info("rrelayer shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	dispatcher.Stop()
	supervisor.Shutdown(cfg.ShutdownTimeout)
	cancel()
	return nil
}

// providerSet is the trivial in-process ProviderSet: a map keyed by
// chain id, populated once at boot.
type providerSet struct {
	byChain map[uint64]*provider.Provider
}

func newProviderSet() *providerSet {
	return &providerSet{byChain: make(map[uint64]*provider.Provider)}
}

func (p *providerSet) set(chainID uint64, pr *provider.Provider) {
	p.byChain[chainID] = pr
}

func (p *providerSet) ForChain(chainID uint64) (queue.Provider, bool) {
	pr, ok := p.byChain[chainID]
	return pr, ok
}

// combinedEstimator picks the per-chain gas.Estimator built at boot
// (each already a Chained external+fallback pair when the network
// configures an external pricing URL).
type combinedEstimator struct {
	byChain map[uint64]gas.Estimator
}

func (c *combinedEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*gas.Prices, error) {
	e, ok := c.byChain[chainID]
	if !ok {
		return nil, fmt.Errorf("no gas estimator configured for chain %d", chainID)
	}
	return e.GetGasPrices(ctx, chainID)
}

func (c *combinedEstimator) IsChainSupported(chainID uint64) bool {
	e, ok := c.byChain[chainID]
	return ok && e.IsChainSupported(chainID)
}

func (c *combinedEstimator) SupportsBlobPricing(chainID uint64) bool {
	e, ok := c.byChain[chainID]
	return ok && e.SupportsBlobPricing(chainID)
}

func buildEstimator(n config.NetworkConfig, p *provider.Provider) gas.Estimator {
	fallback := gas.NewFallbackEstimator(p, []uint64{n.ChainID}, blobChainsOf(n))
	if n.GasEstimatorURL == "" {
		return fallback
	}
	external := gas.NewExternalEstimator(n.GasEstimatorURL, []uint64{n.ChainID})
	return &gas.Chained{Primary: external, Secondary: fallback}
}

func blobChainsOf(n config.NetworkConfig) []uint64 {
	if n.SupportsBlobs {
		return []uint64{n.ChainID}
	}
	return nil
}

// newHeadSource dials each chain's configured new-heads websocket once at
// boot and returns a queue.NewHeadSource serving the resulting channels,
// so every relayer on the same chain shares one subscription rather than
// opening a websocket per relayer. A chain with no configured URL, or
// whose dial fails, simply isn't present in the map — the mined worker
// falls back to ticker-only polling for it (spec §4.3.4).
func newHeadSource(ctx context.Context, wsURLs map[uint64]string) queue.NewHeadSource {
	heads := make(map[uint64]<-chan uint64, len(wsURLs))
	for chainID, url := range wsURLs {
		ch, err := provider.NewNewHeadWatcher(url).Watch(ctx)
		if err != nil {
			glog.Warn("rrelayer: new-head websocket subscription failed, falling back to polling", "chain", chainID, "url", url, "err", err)
			continue
		}
		heads[chainID] = ch
	}
	return func(chainID uint64) (<-chan uint64, bool) {
		ch, ok := heads[chainID]
		return ch, ok
	}
}

func buildSigner(cfg config.SignerConfig) (signer.Manager, error) {
	switch cfg.Kind {
	case "privatekey":
		return signer.NewPrivateKeyManager(cfg.PrivateKeys)
	case "mnemonic":
		return signer.NewMnemonicManager(cfg.Mnemonic)
	default:
		return signer.NewMnemonicManager(cfg.Mnemonic)
	}
}

// seedRelayers creates any relayer named in configuration that doesn't
// already exist in the store, so a fresh deployment boots with a usable
// relayer set instead of requiring a separate provisioning step.
func seedRelayers(ctx context.Context, st *store.Store, relayers []config.RelayerConfig, sig signer.Manager) {
	existing, err := st.ListRelayers(ctx)
	if err != nil {
		glog.Error("rrelayer: seed relayers: list failed", "err", err)
		return
	}

	for _, rc := range relayers {
		if relayerExists(existing, rc) {
			continue
		}
		address, err := sig.GetAddress(ctx, rc.WalletIndex, rc.ChainID)
		if err != nil {
			glog.Error("rrelayer: seed relayer: derive address failed", "name", rc.Name, "err", err)
			continue
		}
		identity := &apptypes.RelayerIdentity{
			ID:              uuid.New(),
			Name:            rc.Name,
			ChainID:         rc.ChainID,
			WalletIndex:     rc.WalletIndex,
			Address:         address,
			AllowlistedOnly: rc.AllowlistedOnly,
			EIP1559Enabled:  rc.EIP1559Enabled,
			MaxGasPriceCap:  gweiCap(rc.MaxGasPriceGwei),
		}
		if err := st.CreateRelayer(ctx, identity); err != nil {
			glog.Error("rrelayer: seed relayer failed", "name", rc.Name, "err", err)
		}
	}
}

func gweiCap(gwei int64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000))
}

func relayerExists(existing []*apptypes.RelayerIdentity, rc config.RelayerConfig) bool {
	for _, r := range existing {
		if r.ChainID == rc.ChainID && r.WalletIndex == rc.WalletIndex {
			return true
		}
	}
	return false
}

// endpointResolver is a placeholder resolver until relayer-level webhook
// endpoints are provisioned through the store; it reports every relayer
// as having no configured endpoint, matching spec §4.6's "event is
// dropped silently" behavior for unconfigured relayers.
func endpointResolver(cfg *config.Config, st *store.Store) webhook.EndpointResolver {
	return func(relayerID uuid.UUID) (string, string, bool) {
		return "", "", false
	}
}

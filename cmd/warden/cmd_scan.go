package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/aggregator"
	"github.com/yairfalse/warden/compliance"
	"github.com/yairfalse/warden/internal/config"
	"github.com/yairfalse/warden/internal/server"
	"github.com/yairfalse/warden/orchestrator"
	"github.com/yairfalse/warden/providers"
	awsprovider "github.com/yairfalse/warden/providers/aws"
	"github.com/yairfalse/warden/providers/replay"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
	"github.com/yairfalse/warden/wal"
)

// ScanOptions holds the flags of the scan command
type ScanOptions struct {
	TenantID     string
	ProviderID   string
	ProviderType string
	ProviderUID  string
	Alias        string
	ResultsPath  string
	Checks       []string
	Name         string
	Offline      bool
	Regions      []string

	ExcludeServices []string
	IncludeTags     map[string]string
	ExcludeTags     map[string]string
}

var scanOpts ScanOptions

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and its post-scan stages",
	Long: `Run a scan against a provider account.

The provider is checked for connectivity, check results are consumed
batch by batch, then failed finding counts are recomputed and compliance
requirements are materialized for the scan.

Check results are read from a JSON lines file of batches as produced by
the check runner.`,
	Example: `  warden scan --tenant acme --provider-type aws --provider-uid 123456789012 --results out.jsonl
  warden scan --tenant acme --provider-id 4f1c... --results out.jsonl --checks iam_root_mfa
  warden scan --tenant acme --provider-type kubernetes --provider-uid prod --results k8s.jsonl --offline`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), cfg, scanOpts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)

	flags := scanCmd.Flags()
	flags.StringVar(&scanOpts.TenantID, "tenant", "", "Tenant id")
	flags.StringVar(&scanOpts.ProviderID, "provider-id", "", "Existing provider id")
	flags.StringVar(&scanOpts.ProviderType, "provider-type", "aws", "Provider type when registering a new provider")
	flags.StringVar(&scanOpts.ProviderUID, "provider-uid", "", "Account, project or cluster id when registering a new provider")
	flags.StringVar(&scanOpts.Alias, "alias", "", "Provider alias when registering a new provider")
	flags.StringVarP(&scanOpts.ResultsPath, "results", "r", "", "JSON lines file of check result batches")
	flags.StringSliceVar(&scanOpts.Checks, "checks", nil, "Only persist results of these checks")
	flags.StringVar(&scanOpts.Name, "name", "", "Scan name")
	flags.BoolVar(&scanOpts.Offline, "offline", false, "Skip the provider connectivity check")
	flags.StringSliceVar(&scanOpts.Regions, "regions", nil, "Regions reported by the provider when offline")
	flags.StringSliceVar(&scanOpts.ExcludeServices, "exclude-services", nil, "Drop results of these services")
	flags.StringToStringVar(&scanOpts.IncludeTags, "include-tags", nil, "Only keep resources carrying all these tags")
	flags.StringToStringVar(&scanOpts.ExcludeTags, "exclude-tags", nil, "Drop resources carrying any of these tags")

	_ = scanCmd.MarkFlagRequired("tenant")
	_ = scanCmd.MarkFlagRequired("results")
}

func runScan(ctx context.Context, c *config.Config, opts ScanOptions, out io.Writer) error {
	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    c.OTEL.ServiceName,
		ServiceVersion: version,
		OTELEndpoint:   c.OTEL.Endpoint,
		Insecure:       c.OTEL.Insecure,
		TracesEnabled:  c.OTEL.Traces.Enabled,
		SampleRate:     c.OTEL.Traces.SampleRate,
		MetricsEnabled: c.OTEL.Metrics.Enabled || c.Server.Addr != "",
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	metrics, err := telemetry.NewScanMetrics(telemetry.Meter)
	if err != nil {
		return err
	}
	logger := telemetry.NewLoggerTo(os.Stderr, c.OTEL.ServiceName)

	provider, err := resolveProvider(ctx, store, opts)
	if err != nil {
		return err
	}
	scan := &types.Scan{
		TenantID:   opts.TenantID,
		ProviderID: provider.ID,
		Name:       opts.Name,
		Trigger:    "manual",
		Checks:     opts.Checks,
	}
	if err := store.CreateScan(ctx, scan); err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}

	initializer := newInitializer(c, opts)
	runner := replay.Runner{
		Path:            opts.ResultsPath,
		ExcludeServices: opts.ExcludeServices,
		IncludeTags:     opts.IncludeTags,
		ExcludeTags:     opts.ExcludeTags,
	}
	controller := orchestrator.NewController(store, initializer, runner).
		WithMetrics(metrics).
		WithLogger(logger)

	if c.Journal.Dir != "" {
		journal, err := wal.Open(c.Journal.Dir)
		if err != nil {
			return err
		}
		defer func() { _ = journal.Close() }()
		if stats, err := journal.Cleanup(c.Journal.Retention); err != nil {
			log.Warn().Err(err).Msg("journal cleanup failed")
		} else if stats.FilesRemoved > 0 {
			log.Info().Int("files", stats.FilesRemoved).Int64("bytes", stats.BytesFreed).Msg("journal cleaned up")
		}
		controller.WithJournal(journal)
	}

	pipeline := orchestrator.NewPipeline(
		controller,
		aggregator.NewFailedFindingsUpdater(store, metrics, logger),
		compliance.NewMaterializer(store, templatesFor(c, provider.Type), initializer, metrics, logger),
	)

	var result *orchestrator.PipelineResult
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		var err error
		result, err = pipeline.Run(ctx, orchestrator.ScanRequest{TenantID: opts.TenantID, ScanID: scan.ID})
		return err
	}, func(error) {
		cancel()
	})
	if c.Server.Addr != "" {
		srv := server.New(c.Server.Addr, telemetry.PrometheusRegistry, nil)
		g.Add(func() error {
			return srv.Run(ctx)
		}, func(error) {
			_ = srv.Close()
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	runErr := g.Run()
	if result != nil && result.Scan != nil {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	}
	return runErr
}

// resolveProvider loads the provider named by --provider-id or registers a
// new one from --provider-type and --provider-uid.
func resolveProvider(ctx context.Context, store storage.ProviderStore, opts ScanOptions) (*types.Provider, error) {
	if opts.ProviderID != "" {
		return store.GetProvider(ctx, opts.TenantID, opts.ProviderID)
	}
	if opts.ProviderUID == "" {
		return nil, fmt.Errorf("either --provider-id or --provider-uid is required")
	}

	provider := &types.Provider{
		TenantID: opts.TenantID,
		Type:     types.ProviderType(opts.ProviderType),
		UID:      opts.ProviderUID,
		Alias:    opts.Alias,
	}
	if err := store.CreateProvider(ctx, provider); err != nil {
		return nil, fmt.Errorf("failed to register provider: %w", err)
	}
	log.Info().
		Str("provider_id", provider.ID).
		Str("type", string(provider.Type)).
		Str("uid", provider.UID).
		Msg("registered provider")
	return provider, nil
}

// newInitializer wires connectivity checks per provider type. Types without
// a connector are treated as offline.
func newInitializer(c *config.Config, opts ScanOptions) providers.Initializer {
	offline := providers.Offline{Regions: opts.Regions}
	if opts.Offline {
		return offline
	}

	registry := providers.NewRegistry()
	for _, kind := range []types.ProviderType{
		types.ProviderAzure, types.ProviderGCP, types.ProviderKubernetes,
		types.ProviderM365, types.ProviderGitHub,
	} {
		registry.Register(kind, offline)
	}
	registry.Register(types.ProviderAWS, awsprovider.New(awsprovider.Config{
		Region:  c.AWS.Region,
		Profile: c.AWS.Profile,
	}))
	log.Debug().Interface("provider_types", registry.Types()).Msg("provider initializers registered")
	return registry
}

// templatesFor returns the configured template directory, or an empty
// template when none is configured so materialization is a no-op.
func templatesFor(c *config.Config, kind types.ProviderType) compliance.TemplateProvider {
	if c.Compliance.TemplatesDir != "" {
		return compliance.DirTemplates{Dir: c.Compliance.TemplatesDir}
	}
	return compliance.StaticTemplates{kind: compliance.Template{}}
}

// Package di wires the application: databases, repositories, the model
// configuration snapshot, chain access, the transform pipeline, queue,
// orchestrator, pricing and calculation services, scheduler and ops server.
// Construction order follows the dependency graph; anything that cannot be
// resolved fails startup.
package di

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/blocksource"
	"github.com/chainmodel/indexer/internal/clients/evmrpc"
	"github.com/chainmodel/indexer/internal/config"
	"github.com/chainmodel/indexer/internal/database"
	"github.com/chainmodel/indexer/internal/modules/calculations"
	"github.com/chainmodel/indexer/internal/modules/decoder"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/modules/infra"
	"github.com/chainmodel/indexer/internal/modules/pricing"
	"github.com/chainmodel/indexer/internal/modules/registry"
	"github.com/chainmodel/indexer/internal/modules/transform"
	"github.com/chainmodel/indexer/internal/orchestrator"
	"github.com/chainmodel/indexer/internal/queue"
	"github.com/chainmodel/indexer/internal/scheduler"
	"github.com/chainmodel/indexer/internal/server"
	"github.com/chainmodel/indexer/internal/writer"
)

// Container holds every wired dependency.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	SharedDB *database.DB
	ModelDB  *database.DB

	ModelConfig *infra.ModelConfig

	RPC    *evmrpc.Client
	Source *blocksource.BlockSource

	Registry *registry.ContractRegistry
	Decoder  *decoder.BlockDecoder
	Pipeline *transform.Pipeline

	Queue        *queue.Queue
	Writer       *writer.DomainEventWriter
	Orchestrator *orchestrator.Orchestrator

	EventRepo    *events.EventRepository
	TxProcessing *events.TransactionProcessingRepository
	Blocks       *events.BlockProcessingRepository
	Details      *events.DetailRepository
	AssetPrices  *events.AssetPriceRepository
	AssetVolumes *events.AssetVolumeRepository

	Pricing      *pricing.Service
	Calculations *calculations.Service

	Scheduler   *scheduler.Scheduler
	PricingJob  *scheduler.PricingJob
	CalcJob     *scheduler.CalculationJob
	HeadWatcher *scheduler.HeadWatcher

	Server *server.Server
}

// New wires the full container for one model.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := c.initDatabases(cfg, log); err != nil {
		return nil, err
	}
	if err := c.initChainAccess(ctx, cfg, log); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initPipeline(cfg, log); err != nil {
		c.Close()
		return nil, err
	}
	c.initServices(cfg, log)

	log.Info().
		Str("model", c.ModelConfig.Model.Name).
		Int("contracts", len(c.ModelConfig.Contracts)).
		Int("tokens", len(c.ModelConfig.Tokens)).
		Msg("Container wired")

	return c, nil
}

// initDatabases opens the shared database, loads the model configuration
// snapshot, then opens and migrates the model's own database.
func (c *Container) initDatabases(cfg *config.Config, log zerolog.Logger) error {
	sharedDB, err := database.New(database.Config{
		DSN:          cfg.SharedDSN(),
		Role:         database.RoleShared,
		Name:         cfg.DBName,
		MaxOpenConns: cfg.Workers + 4,
	})
	if err != nil {
		return fmt.Errorf("failed to open shared database: %w", err)
	}
	c.SharedDB = sharedDB

	if err := sharedDB.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate shared database: %w", err)
	}

	configService := infra.NewConfigService(
		infra.NewModelRepository(sharedDB.Conn(), log),
		infra.NewContractRepository(sharedDB.Conn(), log),
		infra.NewTokenRepository(sharedDB.Conn(), log),
		infra.NewSourceRepository(sharedDB.Conn(), log),
		infra.NewPoolPricingConfigRepository(sharedDB.Conn(), log),
		log,
	)
	modelCfg, err := configService.Load(cfg.ModelName)
	if err != nil {
		return err
	}
	c.ModelConfig = modelCfg

	modelDB, err := database.New(database.Config{
		DSN:          cfg.ModelDSN(modelCfg.Model.ModelDBName),
		Role:         database.RoleModel,
		Name:         modelCfg.Model.ModelDBName,
		MaxOpenConns: cfg.Workers*2 + 4,
	})
	if err != nil {
		return fmt.Errorf("failed to open model database: %w", err)
	}
	c.ModelDB = modelDB

	if err := modelDB.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate model database: %w", err)
	}
	return nil
}

// initChainAccess connects the RPC client and the block source.
func (c *Container) initChainAccess(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	rpc, err := evmrpc.New(ctx, cfg.AvaxRPC, log)
	if err != nil {
		return fmt.Errorf("failed to connect RPC: %w", err)
	}
	c.RPC = rpc

	var store blocksource.ObjectStore
	if cfg.ObjectStoreBucket != "" {
		s3store, err := blocksource.NewS3Store(ctx, blocksource.S3StoreConfig{
			Bucket:    cfg.ObjectStoreBucket,
			Endpoint:  cfg.ObjectStoreEndpoint,
			Region:    cfg.ObjectStoreRegion,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to init object store: %w", err)
		}
		store = s3store
	} else {
		log.Warn().Msg("No object store bucket configured, all blocks come from RPC")
	}

	sources := make([]blocksource.SourceSpec, 0, len(c.ModelConfig.Sources))
	for _, s := range c.ModelConfig.Sources {
		sources = append(sources, blocksource.SourceSpec{
			ID:     s.ID,
			Name:   s.Name,
			Path:   s.Path,
			Format: s.Format,
		})
	}
	c.Source = blocksource.New(store, sources, rpc, log)
	return nil
}

// initPipeline builds the ABI registry, decoder and transformer pipeline.
func (c *Container) initPipeline(cfg *config.Config, log zerolog.Logger) error {
	loader := registry.NewABILoader(cfg.ABIRoot, log)
	contractRegistry, err := registry.NewContractRegistry(loader, c.ModelConfig.ContractsByAddress, log)
	if err != nil {
		return err
	}
	c.Registry = contractRegistry

	c.Decoder = decoder.NewBlockDecoder(decoder.NewLogDecoder(contractRegistry, log), log)

	pipeline, err := transform.NewPipeline(contractRegistry, transform.NewDefaultRegistry(), log)
	if err != nil {
		return err
	}
	c.Pipeline = pipeline
	return nil
}

// initServices builds everything above the pipeline: repositories, queue,
// writer, orchestrator, pricing, calculations, scheduler jobs and the ops
// server.
func (c *Container) initServices(cfg *config.Config, log zerolog.Logger) {
	modelConn := c.ModelDB.Conn()
	sharedConn := c.SharedDB.Conn()

	c.EventRepo = events.NewEventRepository(modelConn, log)
	c.TxProcessing = events.NewTransactionProcessingRepository(modelConn, log)
	c.Blocks = events.NewBlockProcessingRepository(modelConn, log)
	c.Details = events.NewDetailRepository(modelConn, log)
	c.AssetPrices = events.NewAssetPriceRepository(modelConn, log)
	c.AssetVolumes = events.NewAssetVolumeRepository(modelConn, log)

	c.Queue = queue.New(modelConn, log)
	c.Writer = writer.New(modelConn, c.EventRepo, c.TxProcessing, c.Blocks, log)

	c.Orchestrator = orchestrator.New(
		orchestrator.Config{Workers: cfg.Workers},
		c.Queue, c.Source, c.Decoder, c.Pipeline, c.Writer, c.Blocks, c.RPC, log,
	)

	periodRepo := infra.NewPeriodRepository(sharedConn, log)
	blockPriceRepo := infra.NewBlockPriceRepository(sharedConn, log)
	vwapRepo := infra.NewPriceVwapRepository(sharedConn, log)

	c.Pricing = pricing.New(
		c.ModelConfig, periodRepo, blockPriceRepo, vwapRepo, c.Details,
		c.RPC, c.RPC, common.HexToAddress(cfg.ChainlinkAvaxUSD), log,
	)
	c.Calculations = calculations.New(
		c.ModelConfig, periodRepo, vwapRepo, c.Details, c.AssetPrices, c.AssetVolumes, log,
	)

	c.Scheduler = scheduler.New(log)
	c.PricingJob = scheduler.NewPricingJob(c.Pricing, c.ModelConfig.Model.ModelTokenAddress, log)
	c.CalcJob = scheduler.NewCalculationJob(c.Calculations, log)

	if cfg.AvaxWS != "" {
		c.HeadWatcher = scheduler.NewHeadWatcher(cfg.AvaxWS, func(blockNumber uint64) {
			if _, err := c.Queue.EnqueueBlock(blockNumber, queue.PriorityHigh); err != nil {
				log.Warn().Err(err).Uint64("block", blockNumber).Msg("Head enqueue failed")
			}
		}, log)
	}

	c.Server = server.New(server.Config{
		Log:       log,
		SharedDB:  c.SharedDB,
		ModelDB:   c.ModelDB,
		Queue:     c.Queue,
		Blocks:    c.Blocks,
		Txs:       c.TxProcessing,
		Scheduler: c.Scheduler,
		Jobs:      []scheduler.Job{c.PricingJob, c.CalcJob},
		ModelName: cfg.ModelName,
		Port:      cfg.Port,
	})
}

// RegisterJobs puts the periodic jobs on the scheduler.
func (c *Container) RegisterJobs() error {
	if err := c.Scheduler.AddJob("@every 30s", c.PricingJob); err != nil {
		return err
	}
	return c.Scheduler.AddJob("@every 1m", c.CalcJob)
}

// Close releases every held resource. Safe on a partially built container.
func (c *Container) Close() {
	if c.RPC != nil {
		c.RPC.Close()
	}
	if c.ModelDB != nil {
		_ = c.ModelDB.Close()
	}
	if c.SharedDB != nil {
		_ = c.SharedDB.Close()
	}
}

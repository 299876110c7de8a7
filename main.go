package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/hhnqqq/gemma-long-rope/IO"
	"github.com/hhnqqq/gemma-long-rope/lora"
	"github.com/hhnqqq/gemma-long-rope/params"
	"github.com/hhnqqq/gemma-long-rope/pipeline"
	"github.com/hhnqqq/gemma-long-rope/rope"
	"github.com/hhnqqq/gemma-long-rope/seqshard"
	"github.com/hhnqqq/gemma-long-rope/transformer"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config overlaying the built-in defaults")
		dataPath   = flag.String("data", "data/train.jsonl", "fine-tuning dataset (JSONL with input/output fields)")
		corpusPath = flag.String("corpus", "", "raw text corpus for tokenizer training (defaults to -data)")
		tokPath    = flag.String("tokenizer", "models/tokenizer.json", "tokenizer file, trained if missing")
		outDir     = flag.String("out", "models", "output directory for checkpoints and the merged model")
		resume     = flag.String("resume", "", "checkpoint to resume from")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose || params.Config.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *configPath != "" {
		if err := params.LoadYAML(*configPath); err != nil {
			log.Error("config load failed", "err", err)
			os.Exit(1)
		}
	}
	cfg := &params.Config
	if err := cfg.Validate(params.Layers); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	corpus := *corpusPath
	if corpus == "" {
		corpus = *dataPath
	}
	if err := IO.TrainOrLoadBPE(corpus, *tokPath, cfg.VocabSize); err != nil {
		log.Error("tokenizer setup failed", "err", err)
		os.Exit(1)
	}
	IO.InitEmbeddings(cfg.DModel)

	model, err := transformer.FromConfig(cfg, params.Layers)
	if err != nil {
		log.Error("model build failed", "err", err)
		os.Exit(1)
	}

	mgr, err := lora.Attach(model.NamedLinears(), lora.Options{
		Rank:         cfg.AdapterRank,
		Alpha:        cfg.AdapterAlpha,
		LRMultA:      cfg.AdapterLRMultA,
		LRMultB:      cfg.AdapterLRMultB,
		Include:      cfg.AdapterInclude,
		Exclude:      cfg.AdapterExclude,
		DoRA:         cfg.UseDoRA,
		FullFineTune: cfg.FullFineTune,
	})
	if err != nil {
		log.Error("adapter attach failed", "err", err)
		os.Exit(1)
	}

	if *resume != "" {
		runID, step, _, err := IO.LoadCheckpoint(*resume, model)
		if err != nil {
			log.Error("resume failed", "err", err)
			os.Exit(1)
		}
		log.Info("resumed", "run", runID, "step", step)
	}

	tbl, err := rope.Cached(cfg.BasePretrainLength, cfg.MaxSeqLength,
		cfg.DModel/cfg.NumHeads, rope.Mode(cfg.RopeMode))
	if err != nil {
		log.Error("rope table build failed", "err", err)
		os.Exit(1)
	}
	shards, err := seqshard.Plan(cfg.MaxSeqLength, cfg.NumSeqRanks)
	if err != nil {
		log.Error("sequence shard plan failed", "err", err)
		os.Exit(1)
	}
	policy, err := transformer.NewRecomputePolicy(cfg.RecomputeMode, cfg.RecomputeThreshold,
		transformer.EstimateBlockBytes(cfg.DModel, cfg.HiddenSize, cfg.MaxSeqLength, cfg.NumHeads))
	if err != nil {
		log.Error("recompute policy build failed", "err", err)
		os.Exit(1)
	}

	engine, err := pipeline.NewEngine(model, tbl, shards, policy, pipeline.Config{
		NumStages:       cfg.NumPipelineStages,
		NumMicrobatches: cfg.MicroBatches,
		Timeout:         time.Duration(cfg.StepTimeoutSec) * time.Second,
	})
	if err != nil {
		log.Error("pipeline build failed", "err", err)
		os.Exit(1)
	}

	groups := mgr.ParameterGroups()
	groups = append(groups, model.NormGroup(cfg.FullFineTune))
	log.Info("starting run",
		"blocks", params.Layers,
		"stages", cfg.NumPipelineStages,
		"seq_ranks", cfg.NumSeqRanks,
		"seq_len", cfg.MaxSeqLength,
		"base_len", cfg.BasePretrainLength,
		"adapters", len(mgr.Attached()),
		"recompute", cfg.RecomputeMode,
	)

	examples, err := IO.LoadJSONL(*dataPath)
	if err != nil {
		log.Error("dataset load failed", "err", err)
		os.Exit(1)
	}

	orch := NewStepOrchestrator(cfg, model, engine, groups, log)
	if err := Train(orch, mgr, examples, *outDir, log); err != nil {
		log.Error("training failed", "err", err)
		os.Exit(1)
	}

	log.Info("done", "run", orch.State.RunID, "steps", orch.State.Step,
		"skipped", orch.State.SkippedSteps, "loss", orch.State.LastLoss)
}

package params

import "gonum.org/v1/gonum/mat"

// Embed structs and globals
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// Globals initialized when the dataset/tokenizer is loaded.
var (
	Vocab Vocabulary
	Emb   *mat.Dense // (dModel x |V|)
)

type TrainingConfig struct {
	// Core transformer parameters
	DModel     int `yaml:"d_model"`     // model width
	HiddenSize int `yaml:"hidden_size"` // MLP hidden
	VocabSize  int `yaml:"vocab_size"`  // |V|
	NumHeads   int `yaml:"num_heads"`   // dHead = DModel/NumHeads

	// Long-sequence layout
	BasePretrainLength int `yaml:"base_pretrain_length"` // context length the base model was trained at
	MaxSeqLength       int `yaml:"max_seq_length"`       // context length we fine-tune at (>= base)
	NumPipelineStages  int `yaml:"num_pipeline_stages"`  // pipeline-parallel stages (>= 1)
	NumSeqRanks        int `yaml:"num_seq_ranks"`        // sequence-parallel ranks (>= 1, must divide MaxSeqLength)
	MicroBatches       int `yaml:"micro_batches"`        // microbatches per pipeline run
	GradAccumSteps     int `yaml:"grad_accum_steps"`     // pipeline runs per optimizer step

	// RoPE interpolation
	RopeMode string `yaml:"rope_mode"` // "linear" or "none"

	// Adapter hyperparameters
	AdapterRank    int      `yaml:"adapter_rank"`
	AdapterAlpha   float64  `yaml:"adapter_alpha"`
	AdapterLRMultA float64  `yaml:"adapter_lr_mult_a"` // LoRA+ style split multipliers
	AdapterLRMultB float64  `yaml:"adapter_lr_mult_b"`
	AdapterInclude []string `yaml:"adapter_include"` // name patterns; empty = qkv projections
	AdapterExclude []string `yaml:"adapter_exclude"` // exclusion wins over inclusion
	UseDoRA        bool     `yaml:"use_dora"`
	FullFineTune   bool     `yaml:"full_fine_tune"` // adapters additive, base still trains

	// Activation recompute
	RecomputeMode      string `yaml:"recompute_mode"` // "full", "selective" or "none"
	RecomputeThreshold int    `yaml:"recompute_threshold"`

	// Optimizer
	BaseLR      float64 `yaml:"base_lr"`
	WarmupSteps int     `yaml:"warmup_steps"` // linear warmup steps
	DecaySteps  int     `yaml:"decay_steps"`  // cosine decay steps after warmup (0 = none)
	AdamBeta1   float64 `yaml:"adam_beta1"`   // default 0.9
	AdamBeta2   float64 `yaml:"adam_beta2"`   // default 0.999
	AdamEps     float64 `yaml:"adam_eps"`     // default 1e-8

	MaxEpochs int     `yaml:"max_epochs"`
	MaxSteps  int     `yaml:"max_steps"` // 0 = until epochs run out
	Patience  int     `yaml:"patience"`  // early stopping patience
	Epsilon   float64 `yaml:"epsilon"`   // stop if loss < epsilon

	// Stability parameters
	GradClip    float64 `yaml:"grad_clip"`    // <=0 disables
	WeightDecay float64 `yaml:"weight_decay"` // AdamW-style on weights only
	Debug       bool    `yaml:"debug"`
	DebugEvery  int     `yaml:"debug_every"`

	// Communication
	StepTimeoutSec int `yaml:"step_timeout_sec"` // collective/stage-boundary deadline

	SaveEverySteps int `yaml:"save_every_steps"` // checkpoint every N optimizer steps (0=disable)
}

// How many blocks deep the base model is
var Layers = 6

var Config = TrainingConfig{
	DModel:     512,
	HiddenSize: 1024,
	VocabSize:  8192,
	NumHeads:   8,

	BasePretrainLength: 8192,
	MaxSeqLength:       16384,
	NumPipelineStages:  1,
	NumSeqRanks:        1,
	MicroBatches:       4,
	GradAccumSteps:     1,

	RopeMode: "linear",

	AdapterRank:    4,
	AdapterAlpha:   32,
	AdapterLRMultA: 1.0,
	AdapterLRMultB: 16.0,

	RecomputeMode:      "selective",
	RecomputeThreshold: 2,

	BaseLR:      0.0003,
	WarmupSteps: 10_000,
	DecaySteps:  1_000_000,
	AdamBeta1:   0.9,
	AdamBeta2:   0.999,
	AdamEps:     1e-8,

	MaxEpochs: 250,
	Patience:  25,
	Epsilon:   1e-4,

	GradClip:    1.0,
	WeightDecay: 0.01,
	Debug:       false,
	DebugEvery:  1000,

	StepTimeoutSec: 120,

	SaveEverySteps: 10000,
}

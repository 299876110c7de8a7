package params

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Validate checks every cross-field constraint once, before any training
// state is built. All failures are ConfigError values.
func (c *TrainingConfig) Validate(numBlocks int) error {
	if c.DModel <= 0 || c.HiddenSize <= 0 || c.VocabSize <= 0 {
		return Errorf("d_model", "model dims must be positive")
	}
	if c.NumHeads <= 0 || c.DModel%c.NumHeads != 0 {
		return Errorf("num_heads", "must be positive and divide d_model (%d)", c.DModel)
	}
	if (c.DModel/c.NumHeads)%2 != 0 {
		return Errorf("num_heads", "head dim must be even for rotary embeddings")
	}
	if c.BasePretrainLength <= 0 {
		return Errorf("base_pretrain_length", "must be positive")
	}
	if c.MaxSeqLength < c.BasePretrainLength {
		return Errorf("max_seq_length", "target length %d below base length %d",
			c.MaxSeqLength, c.BasePretrainLength)
	}
	if c.NumPipelineStages < 1 {
		return Errorf("num_pipeline_stages", "must be >= 1")
	}
	if numBlocks > 0 && c.NumPipelineStages > numBlocks {
		return Errorf("num_pipeline_stages", "%d stages for %d blocks", c.NumPipelineStages, numBlocks)
	}
	if c.NumSeqRanks < 1 {
		return Errorf("num_seq_ranks", "must be >= 1")
	}
	if c.MaxSeqLength%c.NumSeqRanks != 0 {
		return Errorf("num_seq_ranks", "%d does not evenly shard sequence length %d",
			c.NumSeqRanks, c.MaxSeqLength)
	}
	if c.MicroBatches < 1 {
		return Errorf("micro_batches", "must be >= 1")
	}
	if c.GradAccumSteps < 1 {
		return Errorf("grad_accum_steps", "must be >= 1")
	}
	switch c.RopeMode {
	case "linear", "none":
	default:
		return Errorf("rope_mode", "unknown mode %q", c.RopeMode)
	}
	switch c.RecomputeMode {
	case "full", "selective", "none":
	default:
		return Errorf("recompute_mode", "unknown mode %q", c.RecomputeMode)
	}
	if c.AdapterRank < 0 {
		return Errorf("adapter_rank", "must be >= 0")
	}
	if c.AdapterRank > 0 && c.AdapterAlpha <= 0 {
		return Errorf("adapter_alpha", "must be positive when adapters are enabled")
	}
	return nil
}

// LoadYAML overlays a YAML file onto the compiled-in defaults.
func LoadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, &Config); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

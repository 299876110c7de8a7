package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() TrainingConfig {
	return TrainingConfig{
		DModel:             64,
		HiddenSize:         128,
		VocabSize:          256,
		NumHeads:           4,
		BasePretrainLength: 64,
		MaxSeqLength:       128,
		NumPipelineStages:  2,
		NumSeqRanks:        4,
		MicroBatches:       2,
		GradAccumSteps:     1,
		RopeMode:           "linear",
		RecomputeMode:      "none",
		AdapterRank:        4,
		AdapterAlpha:       8,
	}
}

func TestValidateAccepts(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate(4))
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		field string
		mut   func(*TrainingConfig)
	}{
		{"heads must divide dmodel", "num_heads", func(c *TrainingConfig) { c.NumHeads = 3 }},
		{"odd head dim", "num_heads", func(c *TrainingConfig) { c.DModel = 36; c.NumHeads = 4; c.HiddenSize = 72 }},
		{"target below base", "max_seq_length", func(c *TrainingConfig) { c.MaxSeqLength = 32 }},
		{"ranks must divide seq len", "num_seq_ranks", func(c *TrainingConfig) { c.NumSeqRanks = 3 }},
		{"stages exceed blocks", "num_pipeline_stages", func(c *TrainingConfig) { c.NumPipelineStages = 5 }},
		{"zero microbatches", "micro_batches", func(c *TrainingConfig) { c.MicroBatches = 0 }},
		{"unknown rope mode", "rope_mode", func(c *TrainingConfig) { c.RopeMode = "yarn" }},
		{"unknown recompute mode", "recompute_mode", func(c *TrainingConfig) { c.RecomputeMode = "most" }},
		{"alpha without rank", "adapter_alpha", func(c *TrainingConfig) { c.AdapterAlpha = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mut(&c)
			err := c.Validate(4)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

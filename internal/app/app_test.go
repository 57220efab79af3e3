package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/atomgraph/internal/config"
)

func TestThresholds(t *testing.T) {
	p := config.DefaultPipeline()
	th := Thresholds(p)

	assert.Equal(t, p.DuplicateDetectionThreshold, th.Duplicate)
	assert.Equal(t, p.SemanticSearchThreshold, th.Semantic)
	assert.Equal(t, p.ExplorationThreshold, th.Exploration)
	require.NoError(t, th.Validate())
}

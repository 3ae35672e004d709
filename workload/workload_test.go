package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCount(t *testing.T) {
	g := NewGenerator()
	g.OperationCount = 200
	g.Seed = 7

	instructions := g.Generate()
	require.Len(t, instructions, 200)
	for _, instr := range instructions {
		assert.Contains(t, []string{InstructionTypeRead, InstructionTypeWrite}, instr.Type)
		assert.Less(t, instr.Value, g.MaxWriteValue)
	}
}

func TestGenerateDeterministicWithSeed(t *testing.T) {
	g := NewGenerator()
	g.OperationCount = 50
	g.Seed = 42

	assert.Equal(t, g.Generate(), g.Generate())
}

func TestGenerateReadPercentage(t *testing.T) {
	g := NewGenerator()
	g.Seed = 1

	g.ReadPercentage = 1
	for _, instr := range g.Generate() {
		assert.Equal(t, InstructionTypeRead, instr.Type)
		assert.Zero(t, instr.Value)
	}

	g.ReadPercentage = 0
	for _, instr := range g.Generate() {
		assert.Equal(t, InstructionTypeWrite, instr.Type)
	}
}

func TestGenerateSkewed(t *testing.T) {
	g := NewGenerator()
	g.ReadPercentage = 0
	g.OperationCount = 2000
	g.ZipfianS = 2
	g.Seed = 3

	counts := map[uint64]int{}
	for _, instr := range g.Generate() {
		counts[instr.Value]++
	}
	assert.Greater(t, counts[0], counts[1], "smallest value should dominate")
}

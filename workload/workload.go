package workload

import (
	"time"

	"golang.org/x/exp/rand"
)

// InstructionType constants define the types of operations.
const (
	InstructionTypeRead  = "read"
	InstructionTypeWrite = "write"
)

// Instruction represents a single register operation in a workload.
type Instruction struct {
	Type  string        `json:"type"`            // "read" or "write"
	Value uint64        `json:"value,omitempty"` // Value to write (only used for write operations)
	Delay time.Duration `json:"delay,omitempty"` // Optional pause after the instruction
}

// Generator produces read/write mixes with Zipf-distributed write values.
type Generator struct {
	ReadPercentage   float64       `json:"read_percentage"` // e.g. 0.8 for 80% reads
	ZipfianS         float64       `json:"zipf_s"`          // skew, must be > 1
	ZipfianV         float64       `json:"zipf_v"`          // must be >= 1
	OperationCount   int           `json:"operation_count"`
	MaxWriteValue    uint64        `json:"max_write_value"`
	InstructionDelay time.Duration `json:"instruction_delay,omitempty"`
	Seed             uint64        `json:"seed,omitempty"` // zero seeds from the clock
}

// NewGenerator creates a Generator with default parameters.
func NewGenerator() *Generator {
	return &Generator{
		ReadPercentage: 0.8,
		ZipfianS:       1.01,
		ZipfianV:       1,
		OperationCount: 1000,
		MaxWriteValue:  1000000,
	}
}

// Generate creates a workload based on the generator's parameters.
func (g *Generator) Generate() []Instruction {
	seed := g.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := rand.New(rand.NewSource(seed))

	var zipf *rand.Zipf
	if g.MaxWriteValue > 0 && g.ZipfianS > 1 && g.ZipfianV >= 1 {
		zipf = rand.NewZipf(r, g.ZipfianS, g.ZipfianV, g.MaxWriteValue-1)
	}

	instructions := make([]Instruction, 0, g.OperationCount)
	for i := 0; i < g.OperationCount; i++ {
		instr := Instruction{Type: InstructionTypeWrite, Delay: g.InstructionDelay}
		if r.Float64() < g.ReadPercentage {
			instr.Type = InstructionTypeRead
		} else if zipf != nil {
			instr.Value = zipf.Uint64()
		}
		instructions = append(instructions, instr)
	}

	return instructions
}

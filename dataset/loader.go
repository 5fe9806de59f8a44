package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// RawLoader loads studies from on-disk archive files: a .psg file holding
// little-endian float32 samples laid out [period][sample][channel], and a
// .hyp file holding one integer stage label per line.
type RawLoader struct{}

// NewRawLoader creates a loader for raw study archives.
func NewRawLoader() *RawLoader {
	return &RawLoader{}
}

// Load reads the pair's signal and hypnogram files into a Study. The period
// count is derived from the hypnogram; the signal file length must match
// periods * samplesPerPeriod * channels exactly.
func (l *RawLoader) Load(d *Dataset, pair Pair) (*Study, error) {
	stages, err := readHypnogram(pair.HypPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read hypnogram for study %s: %w", pair.ID, err)
	}

	signal, err := readSignal(pair.PSGPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal for study %s: %w", pair.ID, err)
	}

	expected := len(stages) * d.SamplesPerPeriod * len(d.Channels)
	if len(signal) != expected {
		return nil, fmt.Errorf("study %s: signal has %d samples, expected %d (%d periods x %d samples x %d channels)",
			pair.ID, len(signal), expected, len(stages), d.SamplesPerPeriod, len(d.Channels))
	}

	return &Study{
		ID:               pair.ID,
		Channels:         d.Channels,
		SamplesPerPeriod: d.SamplesPerPeriod,
		Signal:           signal,
		Stages:           stages,
	}, nil
}

func readSignal(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("signal file %s is not a whole number of float32 values", path)
	}

	signal := make([]float32, len(data)/4)
	for i := range signal {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		signal[i] = math.Float32frombits(bits)
	}
	return signal, nil
}

func readHypnogram(path string) ([]int32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var stages []int32
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stage, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("invalid stage label %q in %s", line, path)
		}
		stages = append(stages, int32(stage))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("hypnogram %s holds no stage labels", path)
	}
	return stages, nil
}

// WriteSignal writes a signal as little-endian float32 values. Used by the
// preprocessing path and by tests to author study archives.
func WriteSignal(path string, signal []float32) error {
	data := make([]byte, len(signal)*4)
	for i, v := range signal {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return os.WriteFile(path, data, 0644)
}

// WriteHypnogram writes stage labels one per line. Counterpart of
// readHypnogram, used by the preprocessing path and tests.
func WriteHypnogram(path string, stages []int32) error {
	var sb strings.Builder
	for _, stage := range stages {
		sb.WriteString(strconv.Itoa(int(stage)))
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

package policy

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// paramBlob is one serialised parameter matrix.
type paramBlob struct {
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float64 `msgpack:"data"`
}

// artifact is the on-disk policy format: architecture spec, the persisted
// timestep counter and every parameter matrix by name.
type artifact struct {
	Arch         ArchSpec             `msgpack:"arch"`
	NumTimesteps int64                `msgpack:"num_timesteps"`
	Params       map[string]paramBlob `msgpack:"params"`
}

// SaveArtifact writes the network and its cumulative timestep counter.
func SaveArtifact(path string, net Network, numTimesteps int64) error {
	art := artifact{
		Arch:         net.Arch(),
		NumTimesteps: numTimesteps,
		Params:       make(map[string]paramBlob),
	}
	params := net.Params()
	for _, name := range params.Names() {
		t := params.Get(name)
		r, c := t.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				data = append(data, t.W.At(i, j))
			}
		}
		art.Params[name] = paramBlob{Rows: r, Cols: c, Data: data}
	}

	encoded, err := msgpack.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode policy artifact: %w", err)
	}
	return os.WriteFile(path, encoded, 0o644)
}

// LoadArtifact rebuilds a network from disk. The architecture comes from the
// artifact itself, never from the caller's config.
func LoadArtifact(path string, rng *rand.Rand) (Network, int64, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var art artifact
	if err := msgpack.Unmarshal(encoded, &art); err != nil {
		return nil, 0, fmt.Errorf("decode policy artifact: %w", err)
	}

	net, err := NewNetwork(art.Arch, rng)
	if err != nil {
		return nil, 0, err
	}
	params := net.Params()
	for _, name := range params.Names() {
		blob, ok := art.Params[name]
		if !ok {
			return nil, 0, fmt.Errorf("artifact missing parameter %q", name)
		}
		t := params.Get(name)
		r, c := t.Dims()
		if blob.Rows != r || blob.Cols != c || len(blob.Data) != r*c {
			return nil, 0, fmt.Errorf("artifact parameter %q has shape %dx%d, want %dx%d",
				name, blob.Rows, blob.Cols, r, c)
		}
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				t.W.Set(i, j, blob.Data[i*c+j])
			}
		}
	}
	return net, art.NumTimesteps, nil
}

package assistant

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Index is a flat (exhaustive) L2 vector index with one stored document per
// vector. Positions are stable: the n-th vector added keeps position n.
type Index struct {
	Dim     int
	Vectors [][]float32
	Docs    []string
}

// Hit is one search result.
type Hit struct {
	Position int
	Doc      string
	Distance float32
}

// Len returns the number of stored vectors.
func (ix *Index) Len() int { return len(ix.Vectors) }

// Add appends vectors and their documents.
func (ix *Index) Add(vectors [][]float32, docs []string) error {
	if len(vectors) != len(docs) {
		return fmt.Errorf("index add: %d vectors for %d documents", len(vectors), len(docs))
	}
	for _, v := range vectors {
		if ix.Dim == 0 {
			ix.Dim = len(v)
		}
		if len(v) != ix.Dim {
			return fmt.Errorf("index add: vector dimension %d, index dimension %d", len(v), ix.Dim)
		}
	}
	ix.Vectors = append(ix.Vectors, vectors...)
	ix.Docs = append(ix.Docs, docs...)
	return nil
}

// Search returns the k nearest stored vectors to q, nearest first.
func (ix *Index) Search(q []float32, k int) []Hit {
	if k <= 0 || len(ix.Vectors) == 0 || len(q) != ix.Dim {
		return nil
	}
	hits := make([]Hit, len(ix.Vectors))
	for i, v := range ix.Vectors {
		hits[i] = Hit{Position: i, Doc: ix.Docs[i], Distance: l2(q, v)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// clone returns a snapshot that can be searched while ix keeps growing.
func (ix *Index) clone() *Index {
	return &Index{
		Dim:     ix.Dim,
		Vectors: append([][]float32(nil), ix.Vectors...),
		Docs:    append([]string(nil), ix.Docs...),
	}
}

func loadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	var ix Index
	if err := gob.NewDecoder(f).Decode(&ix); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", filepath.Base(path), err)
	}
	return &ix, nil
}

func (ix *Index) save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(ix); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode index: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index: %w", err)
	}
	return os.Rename(tmp, path)
}

package counts

// Source is the adapter every input format implements. The pipeline only ever
// sees the normalized (matrix, gene ids) pair it returns.
type Source interface {
	CountMatrix() (Matrix, []string, error)
}

type memSource struct {
	m     Matrix
	genes []string
}

// NewSource wraps an in-memory matrix and its gene ids.
func NewSource(m Matrix, genes []string) Source {
	return &memSource{m: m, genes: genes}
}

func (s *memSource) CountMatrix() (Matrix, []string, error) {
	if s.m == nil {
		return nil, nil, InvalidInputf("no count matrix supplied")
	}
	return s.m, s.genes, nil
}

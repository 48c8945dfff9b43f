package factorgraph

// Graph is an append-only list of factors.
type Graph struct {
	factors []Factor
}

// NewGraph returns a graph holding factors.
func NewGraph(factors ...Factor) *Graph {
	return &Graph{factors: append([]Factor(nil), factors...)}
}

// Add appends factors.
func (g *Graph) Add(factors ...Factor) {
	g.factors = append(g.factors, factors...)
}

// Truncate drops every factor past the first n.
func (g *Graph) Truncate(n int) {
	if n < len(g.factors) {
		clear(g.factors[n:])
		g.factors = g.factors[:n]
	}
}

// Len returns the number of factors.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.factors)
}

// At returns the i-th factor.
func (g *Graph) At(i int) Factor {
	return g.factors[i]
}

// Factors returns a copy of the factor list.
func (g *Graph) Factors() []Factor {
	if g == nil {
		return nil
	}
	return append([]Factor(nil), g.factors...)
}

// CountKind returns how many factors are of kind.
func (g *Graph) CountKind(kind Kind) int {
	if g == nil {
		return 0
	}
	count := 0
	for _, f := range g.factors {
		if f.Kind() == kind {
			count++
		}
	}
	return count
}

// Error returns the total factor error at values.
func (g *Graph) Error(values Values) (float64, error) {
	var total float64
	for _, f := range g.factors {
		e, err := Error(f, values)
		if err != nil {
			return 0, err
		}
		total += e
	}
	return total, nil
}

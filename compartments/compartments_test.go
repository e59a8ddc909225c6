package compartments

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileCrossProductsAxes(t *testing.T) {
	specs := []Spec{
		{Name: "infection_stage", Values: []string{"S", "I", "R"}},
	}
	c, err := Compile(specs, nil)
	require.NoError(t, err)
	require.Equal(t, 3, c.NumCompartments())
	require.ElementsMatch(t, []string{"S", "I", "R"}, c.UniqueStrings)
}

func TestCompileResolvesTransitionIndices(t *testing.T) {
	specs := []Spec{
		{Name: "infection_stage", Values: []string{"S", "I", "R"}},
	}
	transitions := []TransitionSpec{
		{From: []string{"S"}, To: []string{"I"}, Rate: "beta", ProportionalTo: [][]string{{"I"}}},
		{From: []string{"I"}, To: []string{"R"}, Rate: "gamma"},
	}
	c, err := Compile(specs, transitions)
	require.NoError(t, err)
	require.Len(t, c.Transitions, 2)

	first := c.Transitions[0]
	require.Equal(t, "S", c.UniqueStrings[first.From])
	require.Equal(t, "I", c.UniqueStrings[first.To])
	require.Equal(t, []int{indexOfStr(c, "I")}, first.ProportionalTo)
}

func indexOfStr(c *Compiled, name string) int {
	for i, s := range c.UniqueStrings {
		if s == name {
			return i
		}
	}
	return -1
}

func TestCompileDefaultsProportionExponentToOne(t *testing.T) {
	specs := []Spec{{Name: "infection_stage", Values: []string{"S", "I", "R"}}}
	transitions := []TransitionSpec{
		{From: []string{"S"}, To: []string{"I"}, Rate: "beta", ProportionalTo: [][]string{{"I"}}},
	}
	c, err := Compile(specs, transitions)
	require.NoError(t, err)
	require.Equal(t, 1.0, c.Transitions[0].ProportionExponent)
	require.Equal(t, 1.0, c.Q[0].Exponent)
}

func TestCompileKeepsConfiguredProportionExponent(t *testing.T) {
	specs := []Spec{{Name: "infection_stage", Values: []string{"S", "I", "R"}}}
	transitions := []TransitionSpec{
		{From: []string{"S"}, To: []string{"I"}, Rate: "beta", ProportionalTo: [][]string{{"I"}}, ProportionExponent: 0.8},
	}
	c, err := Compile(specs, transitions)
	require.NoError(t, err)
	require.Equal(t, 0.8, c.Transitions[0].ProportionExponent)
	require.Equal(t, 0.8, c.Q[0].Exponent)
}

func TestCompileRejectsUnknownCompartment(t *testing.T) {
	specs := []Spec{{Name: "infection_stage", Values: []string{"S", "I"}}}
	transitions := []TransitionSpec{
		{From: []string{"S"}, To: []string{"DOES_NOT_EXIST"}, Rate: "beta"},
	}
	_, err := Compile(specs, transitions)
	require.Error(t, err)
}

func TestParseRateSimpleProduct(t *testing.T) {
	expr, err := ParseRate("beta * gamma")
	require.NoError(t, err)
	got := expr.Eval(func(name string) float64 {
		switch name {
		case "beta":
			return 2.0
		case "gamma":
			return 3.0
		}
		return 0
	})
	require.Equal(t, 6.0, got)
}

func TestParseRateWithLiteral(t *testing.T) {
	expr, err := ParseRate("2 * sigma")
	require.NoError(t, err)
	got := expr.Eval(func(string) float64 { return 5.0 })
	require.Equal(t, 10.0, got)
}

func TestParseRateRejectsDanglingOperator(t *testing.T) {
	_, err := ParseRate("beta *")
	require.Error(t, err)
}

func TestParseRateRejectsMissingOperator(t *testing.T) {
	_, err := ParseRate("beta gamma")
	require.Error(t, err)
}

package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEval(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`principal["name"] == "CoolGuy123" && args["player"] != ""`)
	require.NoError(t, err)
	require.NotEmpty(t, program.Source())

	ok, err := program.EvalBool(map[string]any{
		"principal": map[string]any{"name": "CoolGuy123"},
		"args":      map[string]string{"player": "1234"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = program.EvalBool(map[string]any{
		"principal": map[string]any{"name": "SomeoneElse"},
		"args":      map[string]string{"player": "1234"},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`args["player"]`)
	require.Error(t, err)
}

func TestCompileRejectsEmpty(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)
}

func TestEvalUninitializedProgram(t *testing.T) {
	var program Program
	_, err := program.EvalBool(nil)
	require.Error(t, err)
}

package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergePatchOverwritesScalar(t *testing.T) {
	target := map[string]interface{}{"balance": 100.0}
	patch := map[string]interface{}{"balance": 200.0}
	got := MergePatch(target, patch)
	require.Equal(t, 200.0, got["balance"])
}

func TestMergePatchDeletesOnNull(t *testing.T) {
	target := map[string]interface{}{"balance": 100.0, "frozen": 5.0}
	patch := map[string]interface{}{"frozen": nil}
	got := MergePatch(target, patch)
	require.NotContains(t, got, "frozen")
	require.Contains(t, got, "balance")
}

func TestMergePatchRecursesIntoNestedObjects(t *testing.T) {
	target := map[string]interface{}{
		"positions": map[string]interface{}{
			"BTC-USD": map[string]interface{}{"qty": 1.0, "avg_price": 100.0},
		},
	}
	patch := map[string]interface{}{
		"positions": map[string]interface{}{
			"BTC-USD": map[string]interface{}{"qty": 2.0},
		},
	}
	got := MergePatch(target, patch)
	pos := got["positions"].(map[string]interface{})["BTC-USD"].(map[string]interface{})
	require.Equal(t, 2.0, pos["qty"])
	require.Equal(t, 100.0, pos["avg_price"])
}

func TestMergePatchNonObjectPatchReplacesWholeValue(t *testing.T) {
	target := map[string]interface{}{"tags": map[string]interface{}{"a": 1.0}}
	patch := map[string]interface{}{"tags": []interface{}{"x", "y"}}
	got := MergePatch(target, patch)
	require.Equal(t, []interface{}{"x", "y"}, got["tags"])
}

package output

import (
	"testing"

	"github.com/butlerdotdev/butler-registry/internal/store"
)

func entry(key, value string) mergeable {
	return mergeable{Key: key, Value: value}
}

func TestMergeVariableEntries_LaterLayerWins(t *testing.T) {
	environmentLayer := []mergeable{entry("region", "us-east-1"), entry("instance_type", "t3.micro")}
	moduleLayer := []mergeable{entry("instance_type", "t3.large")}

	merged := mergeVariableEntries(environmentLayer, moduleLayer)

	if merged["region"].Value != "us-east-1" {
		t.Errorf("region = %q, want unchanged environment value", merged["region"].Value)
	}
	if merged["instance_type"].Value != "t3.large" {
		t.Errorf("instance_type = %q, want module override t3.large", merged["instance_type"].Value)
	}
}

func TestMergeVariableEntries_NoOverlap(t *testing.T) {
	merged := mergeVariableEntries(
		[]mergeable{entry("a", "1")},
		[]mergeable{entry("b", "2")},
	)
	if len(merged) != 2 || merged["a"].Value != "1" || merged["b"].Value != "2" {
		t.Errorf("merged = %+v, want both keys present unchanged", merged)
	}
}

func TestMergeVariableEntries_ModuleDirectWinsOverBoundSet(t *testing.T) {
	envLayer := []mergeable{entry("region", "us-east-1")}
	setLayer := []mergeable{entry("region", "eu-west-1")}
	directLayer := []mergeable{entry("region", "ap-south-1")}

	merged := mergeVariableEntries(envLayer, setLayer, directLayer)

	if merged["region"].Value != "ap-south-1" {
		t.Errorf("region = %q, want module-direct override ap-south-1", merged["region"].Value)
	}
}

func TestResolvedVariableMasked(t *testing.T) {
	plain := ResolvedVariable{Key: "region", Value: "us-east-1"}
	if plain.Masked().Value != "us-east-1" {
		t.Errorf("non-sensitive value should pass through unmasked, got %q", plain.Masked().Value)
	}

	sensitive := ResolvedVariable{Key: "db_password", Value: "hunter2", Sensitive: true}
	if sensitive.Masked().Value != "(sensitive)" {
		t.Errorf("sensitive value should be masked, got %q", sensitive.Masked().Value)
	}

	delegated := ResolvedVariable{Key: "api_key", Value: "shouldnotappear", CISecretName: "PROD_API_KEY"}
	if got := delegated.Masked().Value; got != "${secret_ref:PROD_API_KEY}" {
		t.Errorf("CI-delegated value should show its secret ref, got %q", got)
	}
}

func TestMaskSensitive(t *testing.T) {
	resolved := []ResolvedVariable{
		{Key: "region", Value: "us-east-1"},
		{Key: "token", Value: "secret-value", Sensitive: true},
	}
	masked := MaskSensitive(resolved)
	if masked[0].Value != "us-east-1" {
		t.Errorf("masked[0].Value = %q, want unchanged", masked[0].Value)
	}
	if masked[1].Value != "(sensitive)" {
		t.Errorf("masked[1].Value = %q, want masked", masked[1].Value)
	}
	if resolved[1].Value != "secret-value" {
		t.Error("MaskSensitive must not mutate the input slice")
	}
}

func TestSplitByCategory(t *testing.T) {
	resolved := []ResolvedVariable{
		{Key: "region", Value: "us-east-1", Category: store.VariableCategoryTerraform},
		{Key: "TF_LOG", Value: "debug", Category: store.VariableCategoryEnv},
	}
	tfVars, envVars := Split(resolved)
	if tfVars["region"] != "us-east-1" {
		t.Errorf("tfVars[region] = %q", tfVars["region"])
	}
	if envVars["TF_LOG"] != "debug" {
		t.Errorf("envVars[TF_LOG] = %q", envVars["TF_LOG"])
	}
	if _, ok := tfVars["TF_LOG"]; ok {
		t.Error("env-category variable leaked into terraform vars")
	}
}

package domain

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestMakeTargetMapping_WithDefaults(t *testing.T) {
	var nilMapping *MakeTargetMapping
	if got := nilMapping.WithDefaults(); !reflect.DeepEqual(got, DefaultMakeTargetMapping()) {
		t.Errorf("nil.WithDefaults() = %+v", got)
	}

	m := &MakeTargetMapping{
		Deploy:      Named("up"),
		InjectFault: Unused(),
	}
	got := m.WithDefaults()
	if got.Deploy.Target != "up" {
		t.Errorf("Deploy = %q, want up", got.Deploy.Target)
	}
	if !got.InjectFault.Unused {
		t.Error("InjectFault should stay unused")
	}
	if got.Status.Target != "get_status" {
		t.Errorf("Status = %q, want get_status", got.Status.Target)
	}
	if got.OnError.Target != "on_error" {
		t.Errorf("OnError = %q, want on_error", got.OnError.Target)
	}
}

func TestMakeTarget_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"named", `{"target":"deploy"}`, false},
		{"unused", `{"unused":true}`, false},
		{"params", `{"target":"x","params":{"A":"1"}}`, false},
		{"missing target", `{"params":{"A":"1"}}`, true},
		{"explicit false", `{"unused":false}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MakeTarget
			err := json.Unmarshal([]byte(tt.input), &m)
			if (err != nil) != tt.wantErr {
				t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestMakeTargetMapping_NullBindings(t *testing.T) {
	var m MakeTargetMapping
	input := `{"deploy":{"target":"d"},"inject_fault":{"unused":true},"evaluate":{"target":"e"},"delete":{"target":"x"},"revert":null,"status":{"target":"s"},"get":{"target":"g"}}`
	if err := json.Unmarshal([]byte(input), &m); err != nil {
		t.Fatal(err)
	}
	full := m.WithDefaults()
	if full.Revert.Target != "revert" {
		t.Errorf("Revert = %+v, want default", full.Revert)
	}
}

func TestMakeTargetMapping_PartialRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		mapping MakeTargetMapping
		want    string
	}{
		{"named only", MakeTargetMapping{Deploy: Named("custom_deploy")}, `{"deploy":{"target":"custom_deploy"}}`},
		{"unused only", MakeTargetMapping{Evaluate: Unused()}, `{"evaluate":{"unused":true}}`},
		{"empty", MakeTargetMapping{}, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Bundle{BundleInfo: BundleInfo{Name: "b1"}, MakeTargets: &tt.mapping}
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			var wrapper struct {
				MakeTargets json.RawMessage `json:"make_target_mapping"`
			}
			if err := json.Unmarshal(data, &wrapper); err != nil {
				t.Fatal(err)
			}
			if string(wrapper.MakeTargets) != tt.want {
				t.Errorf("encoded mapping = %s, want %s", wrapper.MakeTargets, tt.want)
			}

			var back Bundle
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("decoding %s: %v", data, err)
			}
			if !reflect.DeepEqual(*back.MakeTargets, tt.mapping) {
				t.Errorf("round trip = %+v, want %+v", *back.MakeTargets, tt.mapping)
			}
		})
	}
}

func TestKeyValueArgs_Sorted(t *testing.T) {
	got := KeyValueArgs(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("KeyValueArgs() = %v, want %v", got, want)
	}
	if KeyValueArgs(nil) != nil {
		t.Error("KeyValueArgs(nil) should be nil")
	}
}

func TestBundleEvaluation_Coercion(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantPass    bool
		wantReport  string
		wantDetails string
		wantErr     bool
	}{
		{"plain", `{"pass":true,"report":"ok","details":"fine"}`, true, "ok", "fine", false},
		{"structured report", `{"pass":false,"report":[]}`, false, "[]", "", false},
		{"structured details", `{"pass":true,"details":{"a":1}}`, true, "", `{"a":1}`, false},
		{"missing report", `{"pass":false}`, false, "", "", false},
		{"missing pass", `{"report":"x"}`, false, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e BundleEvaluation
			err := json.Unmarshal([]byte(tt.input), &e)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if e.Pass != tt.wantPass || e.Report != tt.wantReport || e.Details != tt.wantDetails {
				t.Errorf("got %+v", e)
			}
		})
	}
}

func TestDuration_ISO8601(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "PT0S"},
		{12500 * time.Millisecond, "PT12.5S"},
		{25*time.Hour + 3*time.Second, "P1DT3603S"},
	}
	for _, tt := range tests {
		if got := Duration(tt.d).ISO8601(); got != tt.want {
			t.Errorf("ISO8601(%v) = %q, want %q", tt.d, got, tt.want)
		}
		parsed, err := ParseISO8601(tt.want)
		if err != nil {
			t.Fatalf("ParseISO8601(%q): %v", tt.want, err)
		}
		if parsed.Std() != tt.d {
			t.Errorf("ParseISO8601(%q) = %v, want %v", tt.want, parsed.Std(), tt.d)
		}
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"PT1M30S"`, 90 * time.Second, false},
		{`"PT1H"`, time.Hour, false},
		{`2.5`, 2500 * time.Millisecond, false},
		{`"1h"`, 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := json.Unmarshal([]byte(tt.input), &d)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && d.Std() != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, d.Std(), tt.want)
		}
	}
}

func TestRegistryBundle_ToBundle(t *testing.T) {
	rb := RegistryBundle{
		Metadata: Metadata{ID: "b1"},
		Spec: BundleSpec{
			Name:         "scenario",
			RootDir:      "/bundles",
			Path:         "s1",
			ScenarioType: "SRE",
			Data:         map[string]any{"input": map[string]any{"k": "v"}},
		},
	}
	b := rb.ToBundle()
	if b.Directory != "/bundles/s1" {
		t.Errorf("Directory = %q", b.Directory)
	}
	if b.IncidentType != "SRE" || b.ID != "b1" {
		t.Errorf("bundle = %+v", b)
	}
	if b.Input["k"] != "v" {
		t.Errorf("Input = %v", b.Input)
	}
	if b.InputFileEnabled() {
		t.Error("registry bundles should not use input files")
	}
}
